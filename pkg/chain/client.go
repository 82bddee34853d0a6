package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the chain capability consumed by the listener.
type Client interface {
	// CurrentBlock returns the chain head
	CurrentBlock(ctx context.Context) (uint64, error)

	// GetLogs returns every log in [from, to] emitted by the given addresses
	GetLogs(ctx context.Context, from, to uint64, addresses []common.Address) ([]types.Log, error)

	// QueryFilter returns logs with the given topic0 emitted by address in [from, to]
	QueryFilter(ctx context.Context, address common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error)

	// BlockTimestamp returns the header timestamp of a block in unix seconds
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)

	// Close releases the underlying connection
	Close()
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger

	// RequestsPerSecond paces log queries; zero disables pacing
	RequestsPerSecond float64

	// BreakerFailures is the number of consecutive log query failures that opens the breaker
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open before probing again
	BreakerCooldown time.Duration
}

// EthClient implements Client over go-ethereum's JSON-RPC client.
type EthClient struct {
	eth      *ethclient.Client
	rpc      *rpc.Client
	endpoint string
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]types.Log]
	logger   *zap.Logger
}

var _ Client = (*EthClient)(nil)

// NewClient dials the endpoint and verifies it answers.
func NewClient(ctx context.Context, cfg *Config) (*EthClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	c := &EthClient{
		eth:      ethclient.NewClient(rpcClient),
		rpc:      rpcClient,
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		logger:   logger,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c.breaker = newLogBreaker(cfg, logger)

	if _, err := c.eth.ChainID(dialCtx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to chain RPC", zap.String("endpoint", cfg.Endpoint))
	return c, nil
}

func newLogBreaker(cfg *Config, logger *zap.Logger) *gobreaker.CircuitBreaker[[]types.Log] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker[[]types.Log](gobreaker.Settings{
		Name:        "chain-logs",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Close closes the client connection
func (c *EthClient) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// CurrentBlock returns the latest block number
func (c *EthClient) CurrentBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns the timestamp of the given block
func (c *EthClient) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	return header.Time, nil
}

// GetLogs returns logs emitted by addresses in the inclusive range
func (c *EthClient) GetLogs(ctx context.Context, from, to uint64, addresses []common.Address) ([]types.Log, error) {
	return c.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
	})
}

// QueryFilter returns logs for one event signature of one contract
func (c *EthClient) QueryFilter(ctx context.Context, address common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error) {
	return c.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic0}},
	})
}

func (c *EthClient) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	logs, err := c.breaker.Execute(func() ([]types.Log, error) {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.eth.FilterLogs(callCtx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs [%s, %s]: %w", q.FromBlock, q.ToBlock, err)
	}
	return logs, nil
}

func (c *EthClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
