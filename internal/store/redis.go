package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// OpTimeout bounds every round trip, including each CAS attempt.
	OpTimeout time.Duration
	// MaxRetries is how many times a connectivity failure is retried.
	MaxRetries uint64
	// MaxCASAttempts bounds how often UpdateCart re-runs after losing a race.
	MaxCASAttempts int
	OnConflict     func()
}

func DefaultOptions() Options {
	return Options{
		OpTimeout:      2 * time.Second,
		MaxRetries:     3,
		MaxCASAttempts: 5,
	}
}

type sessionRecord struct {
	CartID string `json:"cartId"`
}

func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	def := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.MaxCASAttempts <= 0 {
		opts.MaxCASAttempts = def.MaxCASAttempts
	}
	return &RedisStore{client: client, opts: opts}
}

type RedisStore struct {
	client *redis.Client
	opts   Options
}

var _ CartStore = (*RedisStore)(nil)

func (r *RedisStore) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	var data []byte
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.client.Get(ctx, cartKey(cartID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get cart failed: %w", err)
	}
	return decodeCart(data)
}

func (r *RedisStore) CreateCart(ctx context.Context, cart *domain.Cart, ttl time.Duration) error {
	payload, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}
	var created bool
	err = r.do(ctx, func(ctx context.Context) error {
		var err error
		created, err = r.client.SetNX(ctx, cartKey(cart.ID), payload, ttl).Result()
		return err
	})
	if err != nil {
		return fmt.Errorf("redis create cart failed: %w", err)
	}
	if !created {
		return fmt.Errorf("cart %s: %w", cart.ID, ErrExists)
	}
	return nil
}

// UpdateCart runs fn inside WATCH/MULTI/EXEC on the cart key. If another
// writer touches the key between the read and the EXEC, the transaction is
// discarded and fn is re-applied to the fresh value. The pointers in keep are
// extended in the same transaction.
func (r *RedisStore) UpdateCart(ctx context.Context, cartID string, ttl time.Duration, fn MutateFunc, keep ...Pointer) (*domain.Cart, error) {
	key := cartKey(cartID)

	for attempt := 0; attempt < r.opts.MaxCASAttempts; attempt++ {
		var result domain.Cart
		err := r.do(ctx, func(ctx context.Context) error {
			return r.client.Watch(ctx, func(tx *redis.Tx) error {
				data, err := tx.Get(ctx, key).Bytes()
				if err != nil {
					return err
				}
				current, err := decodeCart(data)
				if err != nil {
					return err
				}
				next, err := fn(current.Clone())
				if err != nil {
					return err
				}
				next.ID = current.ID
				next.Version = current.Version + 1
				payload, err := json.Marshal(next)
				if err != nil {
					return fmt.Errorf("marshal cart failed: %w", err)
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, payload, ttl)
					extend(ctx, pipe, ttl, keep)
					return nil
				})
				if err == nil {
					result = next
				}
				return err
			}, key)
		})
		switch {
		case err == nil:
			return &result, nil
		case errors.Is(err, redis.TxFailedErr):
			if r.opts.OnConflict != nil {
				r.opts.OnConflict()
			}
			continue
		case errors.Is(err, redis.Nil):
			return nil, ErrNotFound
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("cart %s: %w", cartID, ErrConflict)
}

func (r *RedisStore) DeleteCart(ctx context.Context, cartID string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, cartKey(cartID)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete cart failed: %w", err)
	}
	return nil
}

func (r *RedisStore) SessionCartID(ctx context.Context, sessionID string) (string, error) {
	var data []byte
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.client.Get(ctx, sessionKey(sessionID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get session failed: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("unmarshal session failed: %w", err)
	}
	if rec.CartID == "" {
		return "", ErrNotFound
	}
	return rec.CartID, nil
}

func (r *RedisStore) ClaimSessionCart(ctx context.Context, sessionID, cartID string, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(sessionRecord{CartID: cartID})
	if err != nil {
		return "", fmt.Errorf("marshal session failed: %w", err)
	}
	var claimed bool
	err = r.do(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = r.client.SetNX(ctx, sessionKey(sessionID), payload, ttl).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("redis claim session failed: %w", err)
	}
	if claimed {
		return cartID, nil
	}
	return r.SessionCartID(ctx, sessionID)
}

func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, sessionKey(sessionID)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete session failed: %w", err)
	}
	return nil
}

func (r *RedisStore) UserCartID(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		id, err = r.client.Get(ctx, userCartKey(userID)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) || (err == nil && id == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get user cart failed: %w", err)
	}
	return id, nil
}

func (r *RedisStore) ClaimUserCart(ctx context.Context, userID, cartID string, ttl time.Duration) (string, error) {
	var claimed bool
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = r.client.SetNX(ctx, userCartKey(userID), cartID, ttl).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("redis claim user cart failed: %w", err)
	}
	if claimed {
		return cartID, nil
	}
	return r.UserCartID(ctx, userID)
}

func (r *RedisStore) SetUserCart(ctx context.Context, userID, cartID string, ttl time.Duration) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, userCartKey(userID), cartID, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set user cart failed: %w", err)
	}
	return nil
}

func (r *RedisStore) DeleteUserCart(ctx context.Context, userID string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, userCartKey(userID)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete user cart failed: %w", err)
	}
	return nil
}

func (r *RedisStore) DeleteGuest(ctx context.Context, cartID, sessionID string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, cartKey(cartID))
			pipe.Del(ctx, sessionKey(sessionID))
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis delete guest cart failed: %w", err)
	}
	return nil
}

// MergeGuest watches the session pointer, the guest cart it names and the
// target cart. The guest side is consumed at most once: a caller that loses
// the race re-reads, finds the session gone and gets ErrNoGuest. A guest
// write landing before the EXEC aborts the transaction, so fn always sees the
// guest cart that is deleted.
func (r *RedisStore) MergeGuest(ctx context.Context, sessionID, targetID string, ttl time.Duration, fn MergeFunc, keep ...Pointer) (*domain.Cart, *domain.Cart, error) {
	sKey := sessionKey(sessionID)
	tKey := cartKey(targetID)

	for attempt := 0; attempt < r.opts.MaxCASAttempts; attempt++ {
		var merged, consumed domain.Cart
		err := r.do(ctx, func(ctx context.Context) error {
			return r.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, sKey).Bytes()
				if errors.Is(err, redis.Nil) {
					return ErrNoGuest
				}
				if err != nil {
					return err
				}
				var rec sessionRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					return fmt.Errorf("unmarshal session failed: %w", err)
				}
				if rec.CartID == "" || rec.CartID == targetID {
					return ErrNoGuest
				}

				gKey := cartKey(rec.CartID)
				if err := tx.Watch(ctx, gKey).Err(); err != nil {
					return err
				}
				data, err := tx.Get(ctx, gKey).Bytes()
				if errors.Is(err, redis.Nil) {
					return ErrNoGuest
				}
				if err != nil {
					return err
				}
				guest, err := decodeCart(data)
				if err != nil {
					return err
				}

				data, err = tx.Get(ctx, tKey).Bytes()
				if err != nil {
					return err
				}
				target, err := decodeCart(data)
				if err != nil {
					return err
				}

				next, err := fn(guest.Clone(), target.Clone())
				if err != nil {
					return err
				}
				next.ID = target.ID
				next.Version = target.Version + 1
				payload, err := json.Marshal(next)
				if err != nil {
					return fmt.Errorf("marshal cart failed: %w", err)
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, tKey, payload, ttl)
					pipe.Del(ctx, gKey, sKey)
					extend(ctx, pipe, ttl, keep)
					return nil
				})
				if err == nil {
					merged, consumed = next, *guest
				}
				return err
			}, sKey, tKey)
		})
		switch {
		case err == nil:
			return &merged, &consumed, nil
		case errors.Is(err, redis.TxFailedErr):
			if r.opts.OnConflict != nil {
				r.opts.OnConflict()
			}
			continue
		case errors.Is(err, redis.Nil):
			return nil, nil, ErrNotFound
		default:
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("merge into cart %s: %w", targetID, ErrConflict)
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// do runs op with a per-attempt timeout and retries connectivity failures
// with exponential backoff. Once retries are spent the error is reported as
// domain.ErrStoreUnavailable.
func (r *RedisStore) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
		defer cancel()
		err := op(opCtx)
		if err == nil {
			return nil
		}
		if retryable(ctx, err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, r.opts.MaxRetries), ctx))
	if err != nil && retryable(ctx, err) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

func retryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// the per-attempt timeout fired, not the caller's deadline
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// extend queues an EXPIRE for every pointer, never below the cart's ttl.
func extend(ctx context.Context, pipe redis.Pipeliner, ttl time.Duration, keep []Pointer) {
	for _, p := range keep {
		key := p.key()
		if key == "" {
			continue
		}
		pipe.Expire(ctx, key, max(p.TTL, ttl))
	}
}

func decodeCart(data []byte) (*domain.Cart, error) {
	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}
