// Package settings keeps the per-stage record of deployed contracts and the
// external addresses every migration needs. Two JSON files exist per stage:
// settings/{stage}.json holds the working state including implementation
// addresses; metadata/{stage}.json is the public subset published for
// clients.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// ExternalContracts are addresses this project does not deploy.
type ExternalContracts struct {
	Foundation         string `json:"foundation,omitempty"`
	Arbitrageur        string `json:"arbitrageur,omitempty"`
	TestnetFaucet      string `json:"testnetFaucet,omitempty"`
	Ambbridge          string `json:"ambBridgeOnXDai,omitempty"`
	MultiTokenMediator string `json:"multiTokenMediatorOnXDai,omitempty"`
	Tether             string `json:"tether,omitempty"`
	Usdc               string `json:"usdc,omitempty"`
	Perp               string `json:"perp,omitempty"`
	RewardGovernance   string `json:"rewardGovernance,omitempty"`
	ProxyAdmin         string `json:"proxyAdmin,omitempty"`
}

// Lookup returns the address stored under its JSON name ("perp", "usdc",
// "rewardGovernance", ...). Empty or malformed entries are domain.ErrNotFound.
func (e ExternalContracts) Lookup(name string) (common.Address, error) {
	fields := map[string]string{
		"foundation":               e.Foundation,
		"arbitrageur":              e.Arbitrageur,
		"testnetFaucet":            e.TestnetFaucet,
		"ambBridgeOnXDai":          e.Ambbridge,
		"multiTokenMediatorOnXDai": e.MultiTokenMediator,
		"tether":                   e.Tether,
		"usdc":                     e.Usdc,
		"perp":                     e.Perp,
		"rewardGovernance":         e.RewardGovernance,
		"proxyAdmin":               e.ProxyAdmin,
	}
	v, ok := fields[name]
	if !ok || !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("settings: external contract %s: %w", name, domain.ErrNotFound)
	}
	return common.HexToAddress(v), nil
}

// LayerSettings is everything recorded for one chain.
type LayerSettings struct {
	ChainID           int64                            `json:"chainId"`
	Network           string                           `json:"network"`
	Contracts         map[string]domain.ContractRecord `json:"contracts"`
	ExternalContracts ExternalContracts                `json:"externalContracts"`
}

// Settings is the content of settings/{stage}.json.
type Settings struct {
	Layers map[domain.Layer]*LayerSettings `json:"layers"`
}

// Dao reads and writes the settings of one stage. Writes go to a temp file
// that is renamed over the target, so a crash never leaves a torn file.
type Dao struct {
	stage   domain.Stage
	dir     string
	records domain.ContractRecordStore
	logger  *slog.Logger

	mu       sync.RWMutex
	settings Settings
}

// Option configures a Dao.
type Option func(*Dao)

// WithRecordStore also appends every SetContract to store.
func WithRecordStore(store domain.ContractRecordStore) Option {
	return func(d *Dao) { d.records = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dao) { d.logger = logger }
}

// SettingsPath returns settings/{stage}.json under dir.
func SettingsPath(dir string, stage domain.Stage) string {
	return filepath.Join(dir, "settings", string(stage)+".json")
}

// MetadataPath returns metadata/{stage}.json under dir.
func MetadataPath(dir string, stage domain.Stage) string {
	return filepath.Join(dir, "metadata", string(stage)+".json")
}

// MetadataKey is the object key metadata is published under.
func MetadataKey(stage domain.Stage) string {
	return "metadata/" + string(stage) + ".json"
}

// Load opens the settings of stage under dir. A missing file yields empty
// settings for both layers.
func Load(stage domain.Stage, dir string, opts ...Option) (*Dao, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("settings: stage=%s: %w", stage, domain.ErrUnsupportedStage)
	}
	d := &Dao{stage: stage, dir: dir, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With(slog.String("component", "settings"), slog.String("stage", string(stage)))

	data, err := os.ReadFile(SettingsPath(dir, stage))
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.settings = Settings{}
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", stage, err)
	default:
		if err := json.Unmarshal(data, &d.settings); err != nil {
			return nil, fmt.Errorf("settings: decode %s: %w", stage, err)
		}
	}
	d.ensureLayers()
	return d, nil
}

func (d *Dao) ensureLayers() {
	if d.settings.Layers == nil {
		d.settings.Layers = make(map[domain.Layer]*LayerSettings, 2)
	}
	for _, l := range []domain.Layer{domain.Layer1, domain.Layer2} {
		ls, ok := d.settings.Layers[l]
		if !ok || ls == nil {
			ls = &LayerSettings{}
			d.settings.Layers[l] = ls
		}
		if ls.Contracts == nil {
			ls.Contracts = make(map[string]domain.ContractRecord)
		}
	}
}

// Stage returns the stage this Dao serves.
func (d *Dao) Stage() domain.Stage { return d.stage }

// ChainID returns the chain id recorded for layer.
func (d *Dao) ChainID(layer domain.Layer) (int64, error) {
	ls, err := d.layer(layer)
	if err != nil {
		return 0, err
	}
	return ls.ChainID, nil
}

// Network returns the network name recorded for layer.
func (d *Dao) Network(layer domain.Layer) (string, error) {
	ls, err := d.layer(layer)
	if err != nil {
		return "", err
	}
	return ls.Network, nil
}

// ExternalContracts returns the external addresses of layer.
func (d *Dao) ExternalContracts(layer domain.Layer) (ExternalContracts, error) {
	ls, err := d.layer(layer)
	if err != nil {
		return ExternalContracts{}, err
	}
	return ls.ExternalContracts, nil
}

// SetExternalContracts replaces the external addresses of layer and saves.
func (d *Dao) SetExternalContracts(layer domain.Layer, ext ExternalContracts) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls, ok := d.settings.Layers[layer]
	if !ok {
		return fmt.Errorf("settings: layer %q: %w", layer, domain.ErrNotFound)
	}
	prev := ls.ExternalContracts
	ls.ExternalContracts = ext
	if err := d.saveLocked(); err != nil {
		ls.ExternalContracts = prev
		return err
	}
	return nil
}

// Contract returns the record of id on layer, or domain.ErrNotFound.
func (d *Dao) Contract(layer domain.Layer, id domain.ContractID) (domain.ContractRecord, error) {
	ls, err := d.layer(layer)
	if err != nil {
		return domain.ContractRecord{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := ls.Contracts[id.Name]
	if !ok {
		return domain.ContractRecord{}, fmt.Errorf("settings: %s on %s: %w", id, layer, domain.ErrNotFound)
	}
	return rec, nil
}

// ContractAddress is Contract reduced to a parsed address.
func (d *Dao) ContractAddress(layer domain.Layer, id domain.ContractID) (common.Address, error) {
	rec, err := d.Contract(layer, id)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(rec.Address) {
		return common.Address{}, fmt.Errorf("settings: %s on %s has malformed address %q", id, layer, rec.Address)
	}
	return common.HexToAddress(rec.Address), nil
}

// Contracts lists every record of layer sorted by name.
func (d *Dao) Contracts(layer domain.Layer) ([]domain.ContractRecord, error) {
	ls, err := d.layer(layer)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	out := make([]domain.ContractRecord, 0, len(ls.Contracts))
	for _, rec := range ls.Contracts {
		out = append(out, rec)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetContract records id on layer and saves the file before returning. When
// a record store is configured the change is appended to its history too.
func (d *Dao) SetContract(ctx context.Context, layer domain.Layer, id domain.ContractID, rec domain.ContractRecord) error {
	if rec.Name == "" {
		rec.Name = id.Name
	}
	if rec.DeployedAt.IsZero() {
		rec.DeployedAt = time.Now().UTC()
	}

	d.mu.Lock()
	ls, ok := d.settings.Layers[layer]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("settings: layer %q: %w", layer, domain.ErrNotFound)
	}
	prev, existed := ls.Contracts[id.Name]
	ls.Contracts[id.Name] = rec
	if err := d.saveLocked(); err != nil {
		if existed {
			ls.Contracts[id.Name] = prev
		} else {
			delete(ls.Contracts, id.Name)
		}
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "contract recorded",
		slog.String("layer", string(layer)),
		slog.String("id", id.Name),
		slog.String("address", rec.Address),
		slog.String("implementation", rec.Implementation),
	)
	if d.records != nil {
		if err := d.records.Record(ctx, d.stage, layer, rec); err != nil {
			d.logger.WarnContext(ctx, "failed to record contract history",
				slog.String("id", id.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the settings.
func (d *Dao) Snapshot() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := Settings{Layers: make(map[domain.Layer]*LayerSettings, len(d.settings.Layers))}
	for l, ls := range d.settings.Layers {
		cp := *ls
		cp.Contracts = make(map[string]domain.ContractRecord, len(ls.Contracts))
		for k, v := range ls.Contracts {
			cp.Contracts[k] = v
		}
		out.Layers[l] = &cp
	}
	return out
}

func (d *Dao) layer(layer domain.Layer) (*LayerSettings, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ls, ok := d.settings.Layers[layer]
	if !ok {
		return nil, fmt.Errorf("settings: layer %q: %w", layer, domain.ErrNotFound)
	}
	return ls, nil
}

func (d *Dao) saveLocked() error {
	data, err := json.MarshalIndent(d.settings, "", "    ")
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", d.stage, err)
	}
	return writeFileAtomic(SettingsPath(d.dir, d.stage), append(data, '\n'))
}

// Metadata is the public content of metadata/{stage}.json.
type Metadata struct {
	Layers map[domain.Layer]LayerMetadata `json:"layers"`
}

// LayerMetadata lists deployed proxies by name with their address only.
type LayerMetadata struct {
	ChainID           int64                       `json:"chainId"`
	Network           string                      `json:"network"`
	Contracts         map[string]MetadataContract `json:"contracts"`
	ExternalContracts ExternalContracts           `json:"externalContracts"`
}

// MetadataContract is one published contract.
type MetadataContract struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ContractAddress returns the address published for name, or
// domain.ErrNotFound.
func (m *Metadata) ContractAddress(layer domain.Layer, name string) (common.Address, error) {
	lm, ok := m.Layers[layer]
	if !ok {
		return common.Address{}, fmt.Errorf("settings: metadata layer %q: %w", layer, domain.ErrNotFound)
	}
	c, ok := lm.Contracts[name]
	if !ok || !common.IsHexAddress(c.Address) {
		return common.Address{}, fmt.Errorf("settings: metadata %s on %s: %w", name, layer, domain.ErrNotFound)
	}
	return common.HexToAddress(c.Address), nil
}

// Metadata derives the public metadata from the current settings.
func (d *Dao) Metadata() Metadata {
	snap := d.Snapshot()
	md := Metadata{Layers: make(map[domain.Layer]LayerMetadata, len(snap.Layers))}
	for l, ls := range snap.Layers {
		lm := LayerMetadata{
			ChainID:           ls.ChainID,
			Network:           ls.Network,
			Contracts:         make(map[string]MetadataContract, len(ls.Contracts)),
			ExternalContracts: ls.ExternalContracts,
		}
		for name, rec := range ls.Contracts {
			lm.Contracts[name] = MetadataContract{Name: rec.Name, Address: rec.Address}
		}
		md.Layers[l] = lm
	}
	return md
}

// WriteMetadata writes metadata/{stage}.json under the settings directory.
func (d *Dao) WriteMetadata() error {
	data, err := encodeMetadata(d.Metadata())
	if err != nil {
		return err
	}
	return writeFileAtomic(MetadataPath(d.dir, d.stage), data)
}

// PublishMetadata uploads the metadata to object storage under MetadataKey.
func (d *Dao) PublishMetadata(ctx context.Context, w domain.BlobWriter) error {
	data, err := encodeMetadata(d.Metadata())
	if err != nil {
		return err
	}
	key := MetadataKey(d.stage)
	if err := w.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("settings: publish metadata %s: %w", d.stage, err)
	}
	d.logger.InfoContext(ctx, "metadata published", slog.String("key", key), slog.Int("bytes", len(data)))
	return nil
}

// ParseMetadata decodes a metadata document.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	var md Metadata
	if err := json.NewDecoder(r).Decode(&md); err != nil {
		return nil, fmt.Errorf("settings: decode metadata: %w", err)
	}
	if len(md.Layers) == 0 {
		return nil, errors.New("settings: metadata has no layers")
	}
	return &md, nil
}

func encodeMetadata(md Metadata) ([]byte, error) {
	data, err := json.MarshalIndent(md, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("settings: encode metadata: %w", err)
	}
	return append(data, '\n'), nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("settings: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("settings: rename %s: %w", path, err)
	}
	return nil
}
