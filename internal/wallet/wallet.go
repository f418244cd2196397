// Package wallet reads on-chain balances the risk checks depend on: the
// USDC trading balance of the funder wallet and the POL gas balance of the
// signing EOA. Reads go straight to a Polygon RPC node; there is no
// client-side cache, a failed read must look like a failed read upstream.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"polybot/internal/config"
)

const (
	rpcTimeout   = 10 * time.Second
	usdcDecimals = 6
	polDecimals  = 18
)

// balanceOf(address) selector.
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Reader exposes the two balances the bot cares about.
type Reader struct {
	client *ethclient.Client
	usdc   common.Address
	funder common.Address
	signer common.Address
	logger *slog.Logger
}

// New dials the configured RPC endpoint. funder receives trading capital;
// signer pays gas.
func New(cfg *config.Config, funder, signer common.Address, logger *slog.Logger) (*Reader, error) {
	client, err := ethclient.Dial(cfg.Wallet.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.Wallet.RPCURL, err)
	}
	return &Reader{
		client: client,
		usdc:   common.HexToAddress(cfg.Wallet.USDCAddress),
		funder: funder,
		signer: signer,
		logger: logger.With("component", "wallet"),
	}, nil
}

// Close releases the RPC connection.
func (r *Reader) Close() {
	r.client.Close()
}

// QuoteBalance returns the funder wallet's USDC balance in whole dollars.
func (r *Reader) QuoteBalance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(r.funder.Bytes(), 32)...)

	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.usdc,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("usdc balanceOf: %w", err)
	}
	if len(raw) < 32 {
		return decimal.Zero, fmt.Errorf("usdc balanceOf: short response (%d bytes)", len(raw))
	}

	units := new(big.Int).SetBytes(raw[:32])
	return decimal.NewFromBigInt(units, -usdcDecimals), nil
}

// GasBalance returns the signer's native POL balance.
func (r *Reader) GasBalance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	wei, err := r.client.BalanceAt(ctx, r.signer, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gas balance: %w", err)
	}
	return decimal.NewFromBigInt(wei, -polDecimals), nil
}
