package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settings"
)

var errBoom = errors.New("boom")

type txCall struct {
	id     string
	to     common.Address
	method string
	args   []any
}

// fakeChain records every deployment and transaction made through the
// contracts it hands out. Deployments are written to the settings registry
// like the real factory does.
type fakeChain struct {
	dao   *settings.Dao
	layer domain.Layer

	mu       sync.Mutex
	calls    []txCall
	next     byte
	failOnce map[string]bool
}

func newFakeChain(dao *settings.Dao, layer domain.Layer) *fakeChain {
	return &fakeChain{dao: dao, layer: layer, next: 0x10, failOnce: map[string]bool{}}
}

func (f *fakeChain) CreateByID(id domain.ContractID) (chain.Contract, error) {
	return &fakeContract{ch: f, id: id}, nil
}

func (f *fakeChain) failNext(method string) {
	f.mu.Lock()
	f.failOnce[method] = true
	f.mu.Unlock()
}

func (f *fakeChain) record(c txCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[c.method] {
		delete(f.failOnce, c.method)
		return fmt.Errorf("%s: %w", c.method, errBoom)
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeChain) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.id + "." + c.method
	}
	return out
}

func (f *fakeChain) find(id, method string) (txCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.id == id && c.method == method {
			return c, true
		}
	}
	return txCall{}, false
}

func (f *fakeChain) newAddress() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return common.BytesToAddress([]byte{f.next})
}

type fakeContract struct {
	ch *fakeChain
	id domain.ContractID
	at *common.Address
}

func (c *fakeContract) ID() domain.ContractID { return c.id }

func (c *fakeContract) Address() (common.Address, error) {
	if c.at != nil {
		return *c.at, nil
	}
	return c.ch.dao.ContractAddress(c.ch.layer, c.id)
}

func (c *fakeContract) DeployUpgradable(ctx context.Context, args ...any) (common.Address, error) {
	if err := c.ch.record(txCall{id: c.id.Name, method: "deploy", args: args}); err != nil {
		return common.Address{}, err
	}
	impl, proxy := c.ch.newAddress(), c.ch.newAddress()
	err := c.ch.dao.SetContract(ctx, c.ch.layer, c.id, domain.ContractRecord{
		Address:        proxy.Hex(),
		Implementation: impl.Hex(),
	})
	return proxy, err
}

func (c *fakeContract) Call(context.Context, string, ...any) ([]any, error) { return nil, nil }

func (c *fakeContract) Transact(_ context.Context, method string, args ...any) error {
	to, err := c.Address()
	if err != nil {
		return err
	}
	return c.ch.record(txCall{id: c.id.Name, to: to, method: method, args: args})
}

func (c *fakeContract) Implementation(context.Context) (common.Address, error) {
	rec, err := c.ch.dao.Contract(c.ch.layer, c.id)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(rec.Implementation), nil
}

func (c *fakeContract) At(addr common.Address) chain.Contract {
	return &fakeContract{ch: c.ch, id: c.id, at: &addr}
}

type staticPrices map[string]decimal.Decimal

func (p staticPrices) Price(_ context.Context, key string) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok {
		return decimal.Zero(), domain.ErrNotFound
	}
	return v, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) PublishEvent(_ context.Context, _ string, ev domain.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
