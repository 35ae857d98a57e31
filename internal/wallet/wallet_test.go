package wallet_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"betapp/internal/domain"
	"betapp/internal/wallet"
)

type MockGateway struct {
	mock.Mock
	domain.Gateway
}

func (m *MockGateway) Query(ctx context.Context, q domain.Query) ([]domain.Record, error) {
	args := m.Called(ctx, q)
	rows, _ := args.Get(0).([]domain.Record)
	return rows, args.Error(1)
}

func (m *MockGateway) Update(ctx context.Context, table, id string, patch any) (domain.Record, error) {
	args := m.Called(ctx, table, id, patch)
	row, _ := args.Get(0).(domain.Record)
	return row, args.Error(1)
}

func (m *MockGateway) RPC(ctx context.Context, name string, params any) (json.RawMessage, error) {
	args := m.Called(ctx, name, params)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

type staticSession domain.Identity

func (s staticSession) CurrentIdentity() domain.Identity { return domain.Identity(s) }
func (s staticSession) OnChange(func(domain.Identity)) func() { return func() {} }

func record(t *testing.T, raw string) domain.Record {
	t.Helper()
	var r domain.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestPlaceWager(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	svc := wallet.New(gw, staticSession("me"))
	gw.On("RPC", mock.Anything, "place_wager", map[string]any{
		"p_bet_id":    "b1",
		"p_option_id": "o1",
		"p_stake":     12.5,
	}).Return(json.RawMessage(`"w1"`), nil).Once()

	id, err := svc.PlaceWager(ctx, "b1", "o1", 12.5)
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
	gw.AssertExpectations(t)
}

func TestPlaceWagerErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("NotAuthenticated", func(t *testing.T) {
		gw := new(MockGateway)
		_, err := wallet.New(gw, staticSession("")).PlaceWager(ctx, "b1", "o1", 1)
		assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
		assert.Empty(t, gw.Calls)
	})

	t.Run("MissingOption", func(t *testing.T) {
		gw := new(MockGateway)
		_, err := wallet.New(gw, staticSession("me")).PlaceWager(ctx, "b1", "", 1)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, gw.Calls)
	})

	t.Run("ServerRejection", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("RPC", mock.Anything, "place_wager", mock.Anything).
			Return(nil, &domain.Error{Kind: domain.ErrValidation, Message: "insufficient balance"}).Once()
		_, err := wallet.New(gw, staticSession("me")).PlaceWager(ctx, "b1", "o1", 1000)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Contains(t, err.Error(), "insufficient balance")
	})
}

func TestTopUp(t *testing.T) {
	gw := new(MockGateway)
	gw.On("RPC", mock.Anything, "top_up_balance", map[string]any{"p_amount": 50.0}).
		Return(json.RawMessage(`150`), nil).Once()

	raw, err := wallet.New(gw, staticSession("me")).TopUp(context.Background(), 50)
	require.NoError(t, err)
	assert.JSONEq(t, `150`, string(raw))
}

func TestCreateBet(t *testing.T) {
	ctx := context.Background()

	t.Run("SendsOptionsAndDefaults", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("RPC", mock.Anything, "create_bet_with_options", mock.Anything).
			Return(json.RawMessage(`"b9"`), nil).Once()

		id, err := wallet.New(gw, staticSession("admin")).CreateBet(ctx, wallet.NewBet{
			Title:    " Derby ",
			BaseCost: 5,
			Options:  []wallet.Option{{Label: "Home", Odds: 1.8}, {Label: "Away", Odds: 2.4}},
		})
		require.NoError(t, err)
		assert.Equal(t, "b9", id)

		params := gw.Calls[0].Arguments.Get(2).(map[string]any)
		assert.Equal(t, "Derby", params["p_title"])
		assert.Nil(t, params["p_description"])
		assert.Equal(t, 0.0, params["p_stake_min"])
		assert.Len(t, params["p_options"], 2)
	})

	t.Run("RequiresOptions", func(t *testing.T) {
		gw := new(MockGateway)
		_, err := wallet.New(gw, staticSession("admin")).CreateBet(ctx, wallet.NewBet{Title: "Derby"})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, gw.Calls)
	})
}

func TestTransactionsDefaultLimit(t *testing.T) {
	gw := new(MockGateway)
	gw.On("Query", mock.Anything, mock.MatchedBy(func(q domain.Query) bool {
		return q.Table == "wallet_transactions" && q.Limit == wallet.DefaultTransactionLimit
	})).Return([]domain.Record{
		record(t, `{"id":"t1","type":"DEPOSIT","amount":50,"balance_after":150,"created_at":"2024-05-01T12:00:00Z"}`),
	}, nil).Once()

	txs, err := wallet.New(gw, staticSession("me")).Transactions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, wallet.Deposit, txs[0].Type)
	assert.Equal(t, 150.0, txs[0].BalanceAfter)
	gw.AssertExpectations(t)
}

func TestOpenBetsKeepsOptions(t *testing.T) {
	gw := new(MockGateway)
	gw.On("Query", mock.Anything, mock.MatchedBy(func(q domain.Query) bool {
		return q.Table == "bets" && q.Filter.Column == "status" && q.Filter.Value == "OPEN"
	})).Return([]domain.Record{
		record(t, `{"id":"b1","title":"Derby","status":"OPEN","base_cost":5,"stake_min":0,
			"bet_options":[{"id":"o1","label":"Home","odds":1.8},{"id":"o2","label":"Away","odds":2.4}]}`),
	}, nil).Once()

	bets, err := wallet.New(gw, staticSession("")).OpenBets(context.Background())
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Len(t, bets[0].Options, 2)
	assert.Equal(t, wallet.BetOpen, bets[0].Status)
}

func TestSetBetStatus(t *testing.T) {
	gw := new(MockGateway)
	gw.On("Update", mock.Anything, "bets", "b1", map[string]string{"status": "CLOSED"}).
		Return(record(t, `{"id":"b1","title":"Derby","status":"CLOSED"}`), nil).Once()
	gw.On("Update", mock.Anything, "bets", "gone", mock.Anything).Return(nil, domain.ErrNotFound).Once()

	svc := wallet.New(gw, staticSession("admin"))
	b, err := svc.SetBetStatus(context.Background(), "b1", wallet.BetClosed)
	require.NoError(t, err)
	assert.Equal(t, wallet.BetClosed, b.Status)

	_, err = svc.SetBetStatus(context.Background(), "gone", wallet.BetClosed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
