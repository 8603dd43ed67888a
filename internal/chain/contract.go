package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settings"
)

// Contract is a typed handle on one registry entry or one fixed address.
type Contract interface {
	ID() domain.ContractID
	Address() (common.Address, error)
	// DeployUpgradable deploys the implementation, then a transparent proxy
	// whose constructor calls initialize(args...), and records both.
	DeployUpgradable(ctx context.Context, args ...any) (common.Address, error)
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, method string, args ...any) error
	Implementation(ctx context.Context) (common.Address, error)
	// At returns a handle with the same ABI bound to addr.
	At(addr common.Address) Contract
}

// Factory builds Contract handles for one layer.
type Factory struct {
	client    *Client
	artifacts *ArtifactStore
	registry  *deployconfig.Registry
	settings  *settings.Dao
	layer     domain.Layer
	logger    *slog.Logger
}

// NewFactory returns a factory deploying to layer through client.
func NewFactory(client *Client, artifacts *ArtifactStore, registry *deployconfig.Registry, dao *settings.Dao, layer domain.Layer, logger *slog.Logger) *Factory {
	return &Factory{
		client:    client,
		artifacts: artifacts,
		registry:  registry,
		settings:  dao,
		layer:     layer,
		logger:    logger.With(slog.String("component", "factory"), slog.String("layer", string(layer))),
	}
}

// Layer returns the layer the factory deploys to.
func (f *Factory) Layer() domain.Layer { return f.layer }

// Create returns a handle for id using the artifact fqn.
func (f *Factory) Create(fqn string, id domain.ContractID) Contract {
	return &ContractWrapper{f: f, fqn: fqn, id: id}
}

// CreateByID resolves the artifact of id through the registry.
func (f *Factory) CreateByID(id domain.ContractID) (Contract, error) {
	fqn, err := f.registry.FullyQualifiedName(id)
	if err != nil {
		return nil, err
	}
	return f.Create(fqn, id), nil
}

// ContractWrapper is the Contract implementation backed by a Hardhat
// artifact and the settings registry.
type ContractWrapper struct {
	f     *Factory
	fqn   string
	id    domain.ContractID
	fixed *common.Address
}

func (w *ContractWrapper) ID() domain.ContractID { return w.id }

// Address returns the fixed address, or the proxy address recorded in
// settings.
func (w *ContractWrapper) Address() (common.Address, error) {
	if w.fixed != nil {
		return *w.fixed, nil
	}
	return w.f.settings.ContractAddress(w.f.layer, w.id)
}

func (w *ContractWrapper) At(addr common.Address) Contract {
	return &ContractWrapper{f: w.f, fqn: w.fqn, id: w.id, fixed: &addr}
}

func (w *ContractWrapper) DeployUpgradable(ctx context.Context, args ...any) (common.Address, error) {
	art, err := w.f.artifacts.Load(w.fqn)
	if err != nil {
		return common.Address{}, err
	}
	initData, err := art.ABI.Pack("initialize", args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: %s initialize args: %w", w.id, err)
	}
	proxyFQN, err := w.f.registry.Artifact("TransparentUpgradeableProxy")
	if err != nil {
		return common.Address{}, err
	}
	proxyArt, err := w.f.artifacts.Load(proxyFQN)
	if err != nil {
		return common.Address{}, err
	}
	ext, err := w.f.settings.ExternalContracts(w.f.layer)
	if err != nil {
		return common.Address{}, err
	}
	admin, err := ext.Lookup("proxyAdmin")
	if err != nil {
		return common.Address{}, err
	}

	w.f.logger.InfoContext(ctx, "deploying implementation", slog.String("id", w.id.Name), slog.String("fqn", w.fqn))
	impl, err := w.f.client.Deploy(ctx, art.ABI, art.Bytecode)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: deploy %s implementation: %w", w.id, err)
	}
	w.f.logger.InfoContext(ctx, "deploying proxy", slog.String("id", w.id.Name), slog.String("implementation", impl.Hex()))
	proxy, err := w.f.client.Deploy(ctx, proxyArt.ABI, proxyArt.Bytecode, impl, admin, initData)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: deploy %s proxy: %w", w.id, err)
	}

	rec := domain.ContractRecord{
		Name:           w.id.Name,
		Address:        proxy.Hex(),
		Implementation: impl.Hex(),
		FullyQualified: w.fqn,
	}
	if err := w.f.settings.SetContract(ctx, w.f.layer, w.id, rec); err != nil {
		return proxy, err
	}
	return proxy, nil
}

func (w *ContractWrapper) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	art, addr, err := w.resolve()
	if err != nil {
		return nil, err
	}
	return w.f.client.Call(ctx, addr, art.ABI, method, args...)
}

func (w *ContractWrapper) Transact(ctx context.Context, method string, args ...any) error {
	art, addr, err := w.resolve()
	if err != nil {
		return err
	}
	w.f.logger.InfoContext(ctx, "transact", slog.String("id", w.id.Name), slog.String("method", method), slog.String("to", addr.Hex()))
	_, err = w.f.client.TransactMethod(ctx, addr, art.ABI, method, args...)
	return err
}

func (w *ContractWrapper) Implementation(ctx context.Context) (common.Address, error) {
	addr, err := w.Address()
	if err != nil {
		return common.Address{}, err
	}
	return w.f.client.Implementation(ctx, addr)
}

func (w *ContractWrapper) resolve() (*Artifact, common.Address, error) {
	art, err := w.f.artifacts.Load(w.fqn)
	if err != nil {
		return nil, common.Address{}, err
	}
	addr, err := w.Address()
	if err != nil {
		return nil, common.Address{}, err
	}
	return art, addr, nil
}
