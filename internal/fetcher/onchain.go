package fetcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnchainOptions parameterise the Chainlink fetcher.
type OnchainOptions struct {
	RPCURL string
	// Feeds maps asset ids to Chainlink aggregator contract addresses.
	Feeds   map[string]string
	Timeout time.Duration
}

// Onchain reads spot prices from Chainlink aggregators over Ethereum RPC.
type Onchain struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux  sync.Mutex
	feedDecimals map[string]int32
}

// NewOnchain builds a Chainlink price fetcher.
func NewOnchain(opts OnchainOptions, logger zerolog.Logger) *Onchain {
	return &Onchain{
		opts:         opts,
		logger:       logger.With().Str("component", "onchain_fetcher").Logger(),
		feedDecimals: make(map[string]int32),
	}
}

// GetCurrentPrices reads each requested asset's aggregator. Assets without a
// configured feed or whose call fails are omitted; the call errors only when
// the RPC endpoint is unusable or no asset could be priced at all.
func (o *Onchain) GetCurrentPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(assets) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(assets))
	var lastErr error
	for _, asset := range assets {
		feed, ok := o.opts.Feeds[asset]
		if !ok {
			o.logger.Warn().Str("asset", asset).Msg("no chainlink feed configured for asset")
			continue
		}

		price, err := o.readFeed(ctx, client, asset, feed)
		if err != nil {
			lastErr = err
			o.logger.Error().Err(err).Str("asset", asset).Str("feed", feed).Msg("feed read failed")
			continue
		}
		prices[asset] = price
	}

	if len(prices) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return prices, nil
}

func (o *Onchain) readFeed(ctx context.Context, client *ethclient.Client, asset, feed string) (decimal.Decimal, error) {
	addr := common.HexToAddress(feed)

	places, err := o.getDecimals(ctx, client, feed, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("aggregator returned a non-positive answer")
	}

	return decimal.NewFromBigInt(answer, -places), nil
}

func (o *Onchain) getDecimals(ctx context.Context, client *ethclient.Client, feed string, addr common.Address) (int32, error) {
	o.decimalsMux.Lock()
	if places, ok := o.feedDecimals[feed]; ok {
		o.decimalsMux.Unlock()
		return places, nil
	}
	o.decimalsMux.Unlock()

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}

	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	places := int32(raw)
	o.decimalsMux.Lock()
	o.feedDecimals[feed] = places
	o.decimalsMux.Unlock()
	return places, nil
}

func (o *Onchain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ PriceFetcher = (*Onchain)(nil)
