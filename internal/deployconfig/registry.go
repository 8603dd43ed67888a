package deployconfig

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// Registry maps registry keys to the fully qualified artifact name
// ("src/Amm.sol:Amm") used to locate ABI and bytecode.
type Registry struct {
	version   int
	contracts map[domain.ContractName]string
	instances map[domain.ContractInstanceName]domain.ContractName
	artifacts map[string]string
}

type registryFile struct {
	Version   int               `toml:"version"`
	Contracts map[string]string `toml:"contracts"`
	Instances map[string]string `toml:"instances"`
	Artifacts map[string]string `toml:"artifacts"`
}

// DefaultRegistry loads the embedded contracts.toml.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(embeddedStages())
}

// LoadRegistry reads contracts.toml from fsys and checks that every known
// contract name resolves.
func LoadRegistry(fsys fs.FS) (*Registry, error) {
	data, err := fs.ReadFile(fsys, "contracts.toml")
	if err != nil {
		return nil, fmt.Errorf("deployconfig: read contracts.toml: %w", err)
	}
	var raw registryFile
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("deployconfig: decode contracts.toml: %w", err)
	}

	var errs []string
	if raw.Version != SupportedVersion {
		errs = append(errs, fmt.Sprintf("version %d is not supported (want %d)", raw.Version, SupportedVersion))
	}
	r := &Registry{
		version:   raw.Version,
		contracts: make(map[domain.ContractName]string, len(raw.Contracts)),
		instances: make(map[domain.ContractInstanceName]domain.ContractName, len(raw.Instances)),
		artifacts: raw.Artifacts,
	}
	for _, n := range domain.ContractNames {
		fqn, ok := raw.Contracts[string(n)]
		if !ok || !strings.Contains(fqn, ":") {
			errs = append(errs, fmt.Sprintf("contracts.%s: missing or malformed fully qualified name", n))
			continue
		}
		r.contracts[n] = fqn
	}
	for _, n := range domain.ContractInstanceNames {
		target, ok := raw.Instances[string(n)]
		if !ok {
			errs = append(errs, fmt.Sprintf("instances.%s: missing", n))
			continue
		}
		if _, known := raw.Contracts[target]; !known {
			errs = append(errs, fmt.Sprintf("instances.%s: unknown contract %q", n, target))
			continue
		}
		r.instances[n] = domain.ContractName(target)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("deployconfig: contracts.toml:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return r, nil
}

// FullyQualifiedName resolves id. Markets resolve to the Amm contract and named
// instances to the contract they are an instance of.
func (r *Registry) FullyQualifiedName(id domain.ContractID) (string, error) {
	var name domain.ContractName
	switch id.Kind {
	case domain.KindContract:
		name = domain.ContractName(id.Name)
	case domain.KindAmm:
		name = domain.Amm
	case domain.KindInstance:
		target, ok := r.instances[domain.ContractInstanceName(id.Name)]
		if !ok {
			return "", fmt.Errorf("deployconfig: instance %q: %w", id.Name, domain.ErrNotFound)
		}
		name = target
	default:
		return "", fmt.Errorf("deployconfig: contract id kind %q: %w", id.Kind, domain.ErrNotFound)
	}
	fqn, ok := r.contracts[name]
	if !ok {
		return "", fmt.Errorf("deployconfig: contract %q: %w", name, domain.ErrNotFound)
	}
	return fqn, nil
}

// Artifact returns the fully qualified name of an auxiliary artifact such as
// "IERC20" or "TransparentUpgradeableProxy".
func (r *Registry) Artifact(name string) (string, error) {
	fqn, ok := r.artifacts[name]
	if !ok {
		return "", fmt.Errorf("deployconfig: artifact %q: %w", name, domain.ErrNotFound)
	}
	return fqn, nil
}
