// Package redis provides a Redis-backed creditgate.Store.
//
// Accounts are stored as JSON strings and billing rows as hashes. Every
// mutation runs as a Lua script, so a check-then-write on one balance is
// atomic across gateway instances. With Redis Cluster the key prefix must
// carry a hash tag (e.g. "{creditgate}:") so that account creation touches
// a single slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
)

// Store is a Redis-backed Store.
type Store struct {
	client      goredis.Cmdable
	keyPrefix   string
	creditPrice float64
	now         func() time.Time
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithCreditPrice sets the USD value of one credit used to track spend.
func WithCreditPrice(usd float64) Option {
	return func(s *Store) { s.creditPrice = usd }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:      client,
		keyPrefix:   "creditgate:",
		creditPrice: creditgate.DefaultCreditPriceUSD,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(id string) string          { return s.keyPrefix + "account:" + id }
func (s *Store) providerKey(providerID string) string { return s.keyPrefix + "provider:" + providerID }
func (s *Store) billingKey(accountID string) string   { return s.keyPrefix + "billing:" + accountID }

// createScript inserts an account, its provider index and its billing hash.
// KEYS[1] = provider index key
// KEYS[2] = account key
// KEYS[3] = billing key
// ARGV[1] = account id
// ARGV[2] = account JSON
// ARGV[3..7] = billing id, credits, total_spent_usd, created_at, updated_at
//
// Returns 1 on success, 0 if the provider id or account id is taken.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3],
    "id", ARGV[3],
    "credits", ARGV[4],
    "total_spent_usd", ARGV[5],
    "created_at", ARGV[6],
    "updated_at", ARGV[7])
return 1
`)

// debitScript subtracts credits if the balance covers them.
// KEYS[1] = billing key
// ARGV[1] = amount
// ARGV[2] = usd
// ARGV[3] = now (RFC3339Nano)
//
// Returns {status, balance}: status 1 = debited, 0 = insufficient,
// -1 = billing not found.
var debitScript = goredis.NewScript(`
local credits = redis.call("HGET", KEYS[1], "credits")
if not credits then
    return {-1, 0}
end
credits = tonumber(credits)
local amount = tonumber(ARGV[1])
if credits < amount then
    return {0, credits}
end
local balance = redis.call("HINCRBY", KEYS[1], "credits", -amount)
redis.call("HINCRBYFLOAT", KEYS[1], "total_spent_usd", ARGV[2])
redis.call("HSET", KEYS[1], "updated_at", ARGV[3])
return {1, balance}
`)

// creditScript adds credits back and reverses the recorded spend,
// clamping spend at zero.
// KEYS[1] = billing key
// ARGV[1] = amount
// ARGV[2] = usd
// ARGV[3] = now (RFC3339Nano)
var creditScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1, 0}
end
local balance = redis.call("HINCRBY", KEYS[1], "credits", tonumber(ARGV[1]))
local spent = tonumber(redis.call("HGET", KEYS[1], "total_spent_usd") or "0") - tonumber(ARGV[2])
if spent < 0 then
    spent = 0
end
redis.call("HSET", KEYS[1], "total_spent_usd", tostring(spent), "updated_at", ARGV[3])
return {1, balance}
`)

// CreateAccount inserts an account and its billing row atomically.
func (s *Store) CreateAccount(ctx context.Context, account creditgate.Account, billing creditgate.Billing) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("creditgate/redis: encode account: %w", err)
	}

	res, err := createScript.Run(ctx, s.client,
		[]string{s.providerKey(account.ProviderID), s.accountKey(account.ID), s.billingKey(account.ID)},
		account.ID, data,
		billing.ID, billing.Credits, strconv.FormatFloat(billing.TotalSpentUSD, 'f', -1, 64),
		billing.CreatedAt.UTC().Format(time.RFC3339Nano), billing.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return unavailable("create account", err)
	}
	if res == 0 {
		return creditgate.ErrAccountExists
	}
	return nil
}

// AccountByID returns the account with the given id.
func (s *Store) AccountByID(ctx context.Context, id string) (creditgate.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return creditgate.Account{}, fmt.Errorf("%w: account %q", creditgate.ErrNotFound, id)
	}
	if err != nil {
		return creditgate.Account{}, unavailable("get account", err)
	}

	var a creditgate.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return creditgate.Account{}, fmt.Errorf("creditgate/redis: decode account %q: %w", id, err)
	}
	return a, nil
}

// AccountByProviderID returns the account registered for a provider id.
func (s *Store) AccountByProviderID(ctx context.Context, providerID string) (creditgate.Account, error) {
	id, err := s.client.Get(ctx, s.providerKey(providerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return creditgate.Account{}, fmt.Errorf("%w: provider id %q", creditgate.ErrNotFound, providerID)
	}
	if err != nil {
		return creditgate.Account{}, unavailable("get provider index", err)
	}
	return s.AccountByID(ctx, id)
}

// Load returns the billing row for an account.
func (s *Store) Load(ctx context.Context, accountID string) (creditgate.Billing, error) {
	vals, err := s.client.HGetAll(ctx, s.billingKey(accountID)).Result()
	if err != nil {
		return creditgate.Billing{}, unavailable("load", err)
	}
	if len(vals) == 0 {
		return creditgate.Billing{}, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}

	b := creditgate.Billing{ID: vals["id"], AccountID: accountID}
	if b.Credits, err = strconv.ParseInt(vals["credits"], 10, 64); err != nil {
		return creditgate.Billing{}, corrupt(accountID, "credits", err)
	}
	if b.TotalSpentUSD, err = strconv.ParseFloat(vals["total_spent_usd"], 64); err != nil {
		return creditgate.Billing{}, corrupt(accountID, "total_spent_usd", err)
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return creditgate.Billing{}, corrupt(accountID, "created_at", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, vals["updated_at"]); err != nil {
		return creditgate.Billing{}, corrupt(accountID, "updated_at", err)
	}
	return b, nil
}

// Debit subtracts amount if the balance covers it.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/redis: negative debit %d", amount)
	}
	return s.mutate(ctx, debitScript, "debit", accountID, amount)
}

// Credit adds amount back to the balance.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/redis: negative credit %d", amount)
	}
	return s.mutate(ctx, creditScript, "credit", accountID, amount)
}

func (s *Store) mutate(ctx context.Context, script *goredis.Script, op, accountID string, amount int64) (int64, error) {
	usd := strconv.FormatFloat(float64(amount)*s.creditPrice, 'f', -1, 64)
	res, err := script.Run(ctx, s.client,
		[]string{s.billingKey(accountID)},
		amount, usd, s.now().UTC().Format(time.RFC3339Nano),
	).Int64Slice()
	if err != nil {
		return 0, unavailable(op, err)
	}
	if len(res) != 2 {
		return 0, unavailable(op, fmt.Errorf("unexpected script result %v", res))
	}

	switch res[0] {
	case 1:
		return res[1], nil
	case 0:
		return res[1], creditgate.ErrInsufficientCredits
	case -1:
		return 0, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	default:
		return 0, unavailable(op, fmt.Errorf("unexpected script status %d", res[0]))
	}
}

// SetCredits overwrites an account's balance. Intended for seeding and
// administrative top-ups.
func (s *Store) SetCredits(ctx context.Context, accountID string, credits int64) error {
	key := s.billingKey(accountID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("set credits", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	err = s.client.HSet(ctx, key,
		"credits", credits,
		"updated_at", s.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return unavailable("set credits", err)
	}
	return nil
}

func corrupt(accountID, field string, err error) error {
	return fmt.Errorf("creditgate/redis: billing %q field %s: %w", accountID, field, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("creditgate/redis: %s: %w: %w", op, creditgate.ErrLedgerUnavailable, err)
}
