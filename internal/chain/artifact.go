package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// Artifact is the ABI and creation bytecode of one compiled contract.
type Artifact struct {
	ContractName string
	SourceName   string
	ABI          abi.ABI
	Bytecode     []byte
}

type hardhatArtifact struct {
	ContractName   string          `json:"contractName"`
	SourceName     string          `json:"sourceName"`
	ABI            json.RawMessage `json:"abi"`
	Bytecode       string          `json:"bytecode"`
	LinkReferences map[string]any  `json:"linkReferences"`
}

// ArtifactStore reads Hardhat artifacts from an artifacts directory, where
// "src/Amm.sol:Amm" lives at src/Amm.sol/Amm.json. Parsed artifacts are
// cached.
type ArtifactStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Artifact
}

// NewArtifactStore returns a store rooted at dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir, cache: make(map[string]*Artifact)}
}

// Load returns the artifact of a fully qualified name.
func (s *ArtifactStore) Load(fqn string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.cache[fqn]; ok {
		return a, nil
	}

	source, name, ok := strings.Cut(fqn, ":")
	if !ok || source == "" || name == "" {
		return nil, fmt.Errorf("chain: malformed fully qualified name %q", fqn)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(source), name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chain: artifact %s: %w", fqn, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("chain: read artifact %s: %w", fqn, err)
	}
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("chain: artifact %s: %w", fqn, err)
	}
	s.cache[fqn] = a
	return a, nil
}

// ParseArtifact decodes one Hardhat artifact file. Artifacts with unlinked
// libraries are rejected.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw hardhatArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(raw.LinkReferences) > 0 {
		return nil, fmt.Errorf("%s needs library linking", raw.ContractName)
	}
	parsed, err := abi.JSON(strings.NewReader(string(raw.ABI)))
	if err != nil {
		return nil, fmt.Errorf("abi: %w", err)
	}
	a := &Artifact{ContractName: raw.ContractName, SourceName: raw.SourceName, ABI: parsed}
	if raw.Bytecode != "" && raw.Bytecode != "0x" {
		if a.Bytecode, err = hexutil.Decode(raw.Bytecode); err != nil {
			return nil, fmt.Errorf("bytecode: %w", err)
		}
	}
	return a, nil
}
