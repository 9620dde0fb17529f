// Package lease — взаимное исключение исполнителей через Redis.
//
// CAS хранилища и так допускает ровно одного победителя на переход
// состояния; аренда дополнительно не даёт второму воркеру начать
// исполнение того же вызова после повторной доставки сообщения.
// Аренда привязана к владельцу: продлить и снять её может только он.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "floodtwin:lease:"

// Значения по умолчанию.
const (
	// DefaultTTL — срок аренды. Воркер продлевает её тикером,
	// пока исполняет вызов; упавший воркер перестаёт продлевать,
	// и аренда истекает сама.
	DefaultTTL = 2 * time.Minute
)

// Config — конфигурация менеджера аренд.
type Config struct {
	// Client — подключение к Redis.
	Client *redis.Client

	// Owner — идентификатор воркера-владельца.
	// По умолчанию генерируется случайный.
	Owner string

	// TTL — срок аренды до продления.
	TTL time.Duration
}

// Manager выдаёт аренды на исполнение вызовов.
type Manager struct {
	rdb   *redis.Client
	owner string
	ttl   time.Duration
}

// New создаёт Manager с подстановкой значений по умолчанию.
func New(cfg Config) *Manager {
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		rdb:   cfg.Client,
		owner: cfg.Owner,
		ttl:   cfg.TTL,
	}
}

// Owner возвращает идентификатор владельца.
func (m *Manager) Owner() string {
	return m.owner
}

func leaseKey(invocationID uuid.UUID) string {
	return keyPrefix + invocationID.String()
}

// Acquire пытается захватить аренду вызова.
// false — аренду держит другой воркер.
func (m *Manager) Acquire(ctx context.Context, invocationID uuid.UUID) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, leaseKey(invocationID), m.owner, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	// Ключ уже есть. Если владелец — мы сами (рестарт процесса
	// с тем же Owner), аренда считается захваченной.
	cur, err := m.rdb.Get(ctx, leaseKey(invocationID)).Result()
	if err == redis.Nil {
		// Истекла между SetNX и Get — следующая доставка захватит.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lease owner: %w", err)
	}
	return cur == m.owner, nil
}

// Renew продлевает аренду, только если владелец совпадает.
func (m *Manager) Renew(ctx context.Context, invocationID uuid.UUID) (bool, error) {
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		else
			return 0
		end`

	cmd := m.rdb.Eval(ctx, script, []string{leaseKey(invocationID)}, m.owner, int(m.ttl.Milliseconds()))
	if err := cmd.Err(); err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := cmd.Int()
	return n == 1, nil
}

// Release снимает аренду, только если владелец совпадает.
func (m *Manager) Release(ctx context.Context, invocationID uuid.UUID) error {
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		else
			return 0
		end`

	cmd := m.rdb.Eval(ctx, script, []string{leaseKey(invocationID)}, m.owner)
	if err := cmd.Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
