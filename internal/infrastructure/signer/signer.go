package signer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
)

var (
	ErrNoStrategies = errors.New("no signing strategies configured")
	ErrNoChainID    = errors.New("structured signing requires a chain id")
)

// Challenge is the auth challenge to be signed, with the policy it grants.
type Challenge struct {
	Message     string
	Scope       string
	Wallet      string
	Application string
	Expire      int64
}

// HashSigner signs 32-byte digests. The keystore implements it.
type HashSigner interface {
	SignHash(digest []byte) ([]byte, error)
}

// Strategy is one way of signing an auth challenge.
type Strategy interface {
	Name() string
	SignChallenge(ctx context.Context, c Challenge) (string, error)
}

// TypedDataStrategy signs the challenge as an EIP-712 Policy message.
type TypedDataStrategy struct {
	Key     HashSigner
	AppName string
	ChainID int64
}

func (s TypedDataStrategy) Name() string { return "eip712" }

// Hash returns the EIP-712 digest of the challenge policy.
func (s TypedDataStrategy) Hash(c Challenge) ([]byte, error) {
	if s.ChainID == 0 {
		return nil, ErrNoChainID
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "application", Type: "string"},
				{Name: "expire", Type: "uint256"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name:    s.AppName,
			ChainId: math.NewHexOrDecimal256(s.ChainID),
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   c.Message,
			"scope":       c.Scope,
			"wallet":      c.Wallet,
			"application": c.Application,
			"expire":      strconv.FormatInt(c.Expire, 10),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}

func (s TypedDataStrategy) SignChallenge(ctx context.Context, c Challenge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := s.Hash(c)
	if err != nil {
		return "", err
	}
	sig, err := s.Key.SignHash(digest)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RawMessageStrategy signs the challenge text as an EIP-191 personal message.
type RawMessageStrategy struct {
	Key HashSigner
}

func (s RawMessageStrategy) Name() string { return "personal_sign" }

func (s RawMessageStrategy) Hash(c Challenge) []byte {
	return accounts.TextHash([]byte(c.Message))
}

func (s RawMessageStrategy) SignChallenge(ctx context.Context, c Challenge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sig, err := s.Key.SignHash(s.Hash(c))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Chain tries strategies in order; the first success wins.
type Chain struct {
	strategies []Strategy
	logger     zerolog.Logger
}

func NewChain(logger zerolog.Logger, strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		logger:     logger.With().Str("component", "signer").Logger(),
	}
}

// Default builds the structured-then-raw chain over one key.
func Default(key HashSigner, appName string, chainID int64, logger zerolog.Logger) *Chain {
	return NewChain(logger,
		TypedDataStrategy{Key: key, AppName: appName, ChainID: chainID},
		RawMessageStrategy{Key: key},
	)
}

// Sign returns the signature and the name of the strategy that produced it.
func (c *Chain) Sign(ctx context.Context, ch Challenge) (string, string, error) {
	if len(c.strategies) == 0 {
		return "", "", ErrNoStrategies
	}
	var errs []error
	for _, s := range c.strategies {
		sig, err := s.SignChallenge(ctx, ch)
		if err == nil {
			return sig, s.Name(), nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		c.logger.Debug().Err(err).Str("strategy", s.Name()).Msg("signing strategy failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", "", errors.Join(errs...)
}
