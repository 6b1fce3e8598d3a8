// Package contracts holds the compiled contracts identities are deployed
// from.
package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrNoBytecode is returned when deploying an artifact that carries only
// an ABI.
var ErrNoBytecode = errors.New("contract artifact has no bytecode")

//go:embed proxy.abi.json
var proxyABIJSON []byte

// Artifact is a compiled contract.
type Artifact struct {
	ABI      abi.ABI
	Bytecode []byte
}

// DeployData returns the creation payload, or ErrNoBytecode.
func (a *Artifact) DeployData() ([]byte, error) {
	if len(a.Bytecode) == 0 {
		return nil, ErrNoBytecode
	}
	out := make([]byte, len(a.Bytecode))
	copy(out, a.Bytecode)
	return out, nil
}

var (
	proxyOnce sync.Once
	proxyABI  abi.ABI
	proxyErr  error
)

// ProxyABI returns the parsed ABI of the forwarding proxy.
func ProxyABI() (abi.ABI, error) {
	proxyOnce.Do(func() {
		proxyABI, proxyErr = abi.JSON(bytes.NewReader(proxyABIJSON))
	})
	return proxyABI, proxyErr
}

// DefaultProxy returns the proxy artifact without bytecode. It can encode
// forwarded calls but cannot be deployed.
func DefaultProxy() (*Artifact, error) {
	parsed, err := ProxyABI()
	if err != nil {
		return nil, err
	}
	return &Artifact{ABI: parsed}, nil
}

type artifactJSON struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// LoadArtifact reads a compiler artifact of the form
// {"abi": [...], "bytecode": "0x..."}.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes an artifact document.
func ParseArtifact(data []byte) (*Artifact, error) {
	var dec artifactJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(dec.ABI) == 0 {
		return nil, errors.New("artifact has no abi")
	}
	parsed, err := abi.JSON(bytes.NewReader(dec.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	art := &Artifact{ABI: parsed}
	if dec.Bytecode != "" && dec.Bytecode != "0x" {
		code, err := hexutil.Decode(dec.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("decode bytecode: %w", err)
		}
		art.Bytecode = code
	}
	return art, nil
}
