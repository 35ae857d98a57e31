// Package wallet wraps the balance, wager and bet procedures of the backend.
// Rules such as stake limits and balance checks are enforced server-side.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"betapp/internal/domain"
)

const (
	TableBets         = "bets"
	TableTransactions = "wallet_transactions"

	rpcTopUp      = "top_up_balance"
	rpcPlaceWager = "place_wager"
	rpcCreateBet  = "create_bet_with_options"

	DefaultTransactionLimit = 50

	betSelect = "id,title,description,image_url,base_cost,stake_min,stake_max,status,opens_at,closes_at," +
		"bet_options:bet_options!bet_options_bet_id_fkey(id,label,odds)"
	transactionSelect = "id,type,label,amount,balance_after,created_at"
)

type BetStatus string

const (
	BetDraft    BetStatus = "DRAFT"
	BetOpen     BetStatus = "OPEN"
	BetClosed   BetStatus = "CLOSED"
	BetSettled  BetStatus = "SETTLED"
	BetCanceled BetStatus = "CANCELED"
)

type TransactionType string

const (
	Deposit    TransactionType = "DEPOSIT"
	Withdraw   TransactionType = "WITHDRAW"
	Wager      TransactionType = "BET"
	Payout     TransactionType = "PAYOUT"
	Adjustment TransactionType = "ADJUSTMENT"
)

type Transaction struct {
	ID           string          `json:"id"`
	Type         TransactionType `json:"type"`
	Label        *string         `json:"label"`
	Amount       float64         `json:"amount"`
	BalanceAfter float64         `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Option struct {
	ID    string  `json:"id,omitempty"`
	Label string  `json:"label"`
	Odds  float64 `json:"odds"`
}

type Bet struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	ImageURL    *string    `json:"image_url"`
	BaseCost    float64    `json:"base_cost"`
	StakeMin    float64    `json:"stake_min"`
	StakeMax    *float64   `json:"stake_max"`
	Status      BetStatus  `json:"status"`
	OpensAt     *time.Time `json:"opens_at"`
	ClosesAt    *time.Time `json:"closes_at"`
	Options     []Option   `json:"bet_options"`
}

// NewBet is the admin input for CreateBet.
type NewBet struct {
	Title       string
	Description string
	ImageURL    string
	BaseCost    float64
	StakeMin    float64
	StakeMax    *float64
	OpensAt     *time.Time
	ClosesAt    *time.Time
	Options     []Option
}

type Service struct {
	gw      domain.Gateway
	session domain.Session
}

func New(gw domain.Gateway, session domain.Session) *Service {
	return &Service{gw: gw, session: session}
}

// TopUp credits the caller's balance and returns the procedure's result.
func (s *Service) TopUp(ctx context.Context, amount float64) (json.RawMessage, error) {
	if err := s.authenticated(); err != nil {
		return nil, err
	}
	raw, err := s.gw.RPC(ctx, rpcTopUp, map[string]any{"p_amount": amount})
	if err != nil {
		return nil, fmt.Errorf("top up: %w", err)
	}
	return raw, nil
}

// PlaceWager stakes on one option of a bet and returns the wager id.
func (s *Service) PlaceWager(ctx context.Context, betID, optionID string, stake float64) (string, error) {
	if err := s.authenticated(); err != nil {
		return "", err
	}
	if betID == "" || optionID == "" {
		return "", fmt.Errorf("%w: bet and option are required", domain.ErrValidation)
	}
	raw, err := s.gw.RPC(ctx, rpcPlaceWager, map[string]any{
		"p_bet_id":    betID,
		"p_option_id": optionID,
		"p_stake":     stake,
	})
	if err != nil {
		return "", fmt.Errorf("place wager: %w", err)
	}
	return decodeID(raw)
}

// CreateBet creates a bet with its options in one call and returns the bet id.
func (s *Service) CreateBet(ctx context.Context, b NewBet) (string, error) {
	if err := s.authenticated(); err != nil {
		return "", err
	}
	title := strings.TrimSpace(b.Title)
	if title == "" {
		return "", fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if len(b.Options) == 0 {
		return "", fmt.Errorf("%w: at least one option is required", domain.ErrValidation)
	}
	options := make([]map[string]any, len(b.Options))
	for i, o := range b.Options {
		options[i] = map[string]any{"label": strings.TrimSpace(o.Label), "odds": o.Odds}
	}
	raw, err := s.gw.RPC(ctx, rpcCreateBet, map[string]any{
		"p_title":       title,
		"p_description": nullable(b.Description),
		"p_base_cost":   b.BaseCost,
		"p_stake_min":   b.StakeMin,
		"p_stake_max":   b.StakeMax,
		"p_opens_at":    b.OpensAt,
		"p_closes_at":   b.ClosesAt,
		"p_image_url":   nullable(b.ImageURL),
		"p_options":     options,
	})
	if err != nil {
		return "", fmt.Errorf("create bet: %w", err)
	}
	return decodeID(raw)
}

// Transactions lists the caller's ledger, newest first. A non-positive limit
// means DefaultTransactionLimit.
func (s *Service) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	if err := s.authenticated(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	rows, err := s.gw.Query(ctx, domain.Query{
		Table:  TableTransactions,
		Select: transactionSelect,
		Order:  []domain.Order{{Column: "created_at", Descending: true}},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return decodeAll[Transaction](rows)
}

// Bets lists bets with their options, newest first. An empty status lists
// every status; title filters by case-insensitive substring.
func (s *Service) Bets(ctx context.Context, status BetStatus, title string) ([]Bet, error) {
	var conds []domain.Filter
	if status != "" {
		conds = append(conds, domain.Eq("status", string(status)))
	}
	if title = strings.TrimSpace(title); title != "" {
		conds = append(conds, domain.ILike("title", "%"+title+"%"))
	}
	var f domain.Filter
	switch len(conds) {
	case 0:
	case 1:
		f = conds[0]
	default:
		f = domain.And(conds...)
	}
	rows, err := s.gw.Query(ctx, domain.Query{
		Table:  TableBets,
		Select: betSelect,
		Filter: f,
		Order:  []domain.Order{{Column: "created_at", Descending: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("list bets: %w", err)
	}
	return decodeAll[Bet](rows)
}

func (s *Service) OpenBets(ctx context.Context) ([]Bet, error) {
	return s.Bets(ctx, BetOpen, "")
}

// SetBetStatus moves a bet to status and returns the updated row.
func (s *Service) SetBetStatus(ctx context.Context, betID string, status BetStatus) (Bet, error) {
	if err := s.authenticated(); err != nil {
		return Bet{}, err
	}
	if betID == "" || status == "" {
		return Bet{}, fmt.Errorf("%w: bet and status are required", domain.ErrValidation)
	}
	row, err := s.gw.Update(ctx, TableBets, betID, map[string]string{"status": string(status)})
	if err != nil {
		return Bet{}, fmt.Errorf("update bet status: %w", err)
	}
	var b Bet
	if err := row.Decode(&b); err != nil {
		return Bet{}, err
	}
	return b, nil
}

func (s *Service) authenticated() error {
	if s.session.CurrentIdentity() == "" {
		return domain.ErrNotAuthenticated
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: unexpected procedure result %s", domain.ErrInternal, raw)
	}
	return id, nil
}

func decodeAll[T any](rows []domain.Record) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := row.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func nullable(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
