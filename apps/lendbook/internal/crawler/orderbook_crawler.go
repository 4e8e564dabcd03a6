package crawler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/config"
	"lendbook/apps/lendbook/internal/contracts"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

// ChainClient is the subset of *ethclient.Client the crawler reads from.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type OrderBookCrawler struct {
	client         ChainClient
	store          *repository.Store
	logger         *zap.Logger
	orderBook      common.Address
	orderBookABI   abi.ABI
	topic          string
	chunkSize      uint64
	finalityOffset uint64
	pollInterval   time.Duration
	chunkDelay     time.Duration
}

func NewOrderBookCrawler(cfg *config.Config, client ChainClient, store *repository.Store, logger *zap.Logger) (*OrderBookCrawler, error) {
	if !common.IsHexAddress(cfg.OrderBookAddress) {
		return nil, fmt.Errorf("ORDER_BOOK_ADDRESS %q is not an address", cfg.OrderBookAddress)
	}
	parsed, err := contracts.ParseOrderBookABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse order book ABI: %w", err)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = 100
	}

	return &OrderBookCrawler{
		client:         client,
		store:          store,
		logger:         logger,
		orderBook:      common.HexToAddress(cfg.OrderBookAddress),
		orderBookABI:   parsed,
		topic:          cfg.SettlementTopic,
		chunkSize:      chunkSize,
		finalityOffset: cfg.FinalityOffset,
		pollInterval:   2 * time.Second, // Base block time
		chunkDelay:     100 * time.Millisecond,
	}, nil
}

// Start polls for new finalized blocks until ctx is cancelled.
func (c *OrderBookCrawler) Start(ctx context.Context) error {
	c.logger.Info("Starting order book crawler...", zap.String("order_book", c.orderBook.Hex()))

	lastProcessedBlock, err := c.store.Outbox.GetLastProcessedBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get last processed block: %w", err)
	}
	c.logger.Info("Starting from block", zap.Uint64("block", lastProcessedBlock))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		latestBlock, err := c.client.BlockNumber(ctx)
		if err != nil {
			c.logger.Error("Error getting latest block", zap.Error(err))
			continue
		}
		if latestBlock <= c.finalityOffset {
			continue
		}

		safeBlock := latestBlock - c.finalityOffset
		if safeBlock <= lastProcessedBlock {
			continue
		}
		if err := c.ProcessBlockRange(ctx, lastProcessedBlock+1, safeBlock); err != nil {
			c.logger.Error("Error processing blocks", zap.Uint64("start", lastProcessedBlock+1), zap.Uint64("end", safeBlock), zap.Error(err))
			// resume from whatever the last committed chunk was
			if last, err := c.store.Outbox.GetLastProcessedBlock(ctx); err == nil {
				lastProcessedBlock = last
			}
			continue
		}
		lastProcessedBlock = safeBlock
	}
}

// ProcessBlockRange scans [fromBlock, toBlock] in chunks. Each chunk's events
// and the crawler cursor are committed together.
func (c *OrderBookCrawler) ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint64) error {
	for start := fromBlock; start <= toBlock; start += c.chunkSize {
		end := start + c.chunkSize - 1
		if end > toBlock {
			end = toBlock
		}

		c.logger.Info("Scanning block range for events", zap.Uint64("start", start), zap.Uint64("end", end))

		outbox, err := c.collectEvents(ctx, start, end)
		if err != nil {
			return fmt.Errorf("failed to process chunk %d-%d: %w", start, end, err)
		}

		err = c.store.InTx(ctx, func(r *repository.Repositories) error {
			for _, event := range outbox {
				if err := r.Outbox.StoreOutboxEvent(ctx, event); err != nil {
					return err
				}
			}
			return r.Outbox.UpdateLastProcessedBlock(ctx, end)
		})
		if err != nil {
			return fmt.Errorf("failed to store chunk %d-%d: %w", start, end, err)
		}

		if c.chunkDelay > 0 && end < toBlock {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkDelay):
			}
		}
	}
	return nil
}

func (c *OrderBookCrawler) collectEvents(ctx context.Context, fromBlock, toBlock uint64) ([]model.OutboxEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.orderBook},
		Topics: [][]common.Hash{
			{contracts.LoanCreatedSig, contracts.LoanRepaidSig, contracts.LoanLiquidatedSig, contracts.OrderFilledSig}, // OR condition
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	var outbox []model.OutboxEvent
	blockTimes := make(map[uint64]time.Time)
	for _, eventLog := range logs {
		if eventLog.Removed || len(eventLog.Topics) == 0 {
			continue
		}

		receipt, err := c.client.TransactionReceipt(ctx, eventLog.TxHash)
		if err != nil {
			return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
		}
		if receipt.Status == types.ReceiptStatusFailed {
			continue
		}

		blockTime, ok := blockTimes[eventLog.BlockNumber]
		if !ok {
			header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(eventLog.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("failed to get block header: %w", err)
			}
			blockTime = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[eventLog.BlockNumber] = blockTime
		}

		ev, err := c.decodeLog(eventLog)
		if err != nil {
			c.logger.Error("Failed to decode order book event",
				zap.String("tx_hash", eventLog.TxHash.Hex()),
				zap.Uint("log_index", eventLog.Index),
				zap.Int("data_length", len(eventLog.Data)),
				zap.Error(err))
			return nil, err
		}
		if ev == nil {
			continue
		}

		event, err := c.toOutbox(eventLog, blockTime, ev)
		if err != nil {
			return nil, err
		}
		c.logger.Info("Found order book event",
			zap.String("kind", event.EventKind),
			zap.String("tx_hash", eventLog.TxHash.Hex()),
			zap.Uint64("block", eventLog.BlockNumber))
		outbox = append(outbox, event)
	}
	return outbox, nil
}

// decodeLog maps a contract log to its settlement event. Unknown topics
// return nil.
func (c *OrderBookCrawler) decodeLog(eventLog types.Log) (events.Event, error) {
	txHash := eventLog.TxHash.Hex()

	switch eventLog.Topics[0] {
	case contracts.LoanCreatedSig:
		if len(eventLog.Topics) != 4 {
			return nil, fmt.Errorf("LoanCreated log has %d topics", len(eventLog.Topics))
		}
		var data struct {
			Lender           common.Address
			PrincipalAmount  *big.Int
			CollateralAmount *big.Int
			RatePerSecond    *big.Int
			StartTime        *big.Int
			Duration         *big.Int
		}
		if err := c.orderBookABI.UnpackIntoInterface(&data, "LoanCreated", eventLog.Data); err != nil {
			return nil, err
		}
		return &events.LoanCreated{
			LoanID:           eventLog.Topics[1].Big().String(),
			OrderHash:        eventLog.Topics[2].Hex(),
			Borrower:         common.BytesToAddress(eventLog.Topics[3].Bytes()).Hex(),
			Lender:           data.Lender.Hex(),
			PrincipalAmount:  data.PrincipalAmount.String(),
			CollateralAmount: data.CollateralAmount.String(),
			RatePerSecond:    data.RatePerSecond.String(),
			StartTime:        data.StartTime.Int64(),
			DurationSeconds:  data.Duration.Int64(),
			TxHash:           txHash,
		}, nil

	case contracts.LoanRepaidSig:
		if len(eventLog.Topics) != 3 {
			return nil, fmt.Errorf("LoanRepaid log has %d topics", len(eventLog.Topics))
		}
		var data struct {
			Amount *big.Int
		}
		if err := c.orderBookABI.UnpackIntoInterface(&data, "LoanRepaid", eventLog.Data); err != nil {
			return nil, err
		}
		return &events.LoanRepaid{
			LoanID: eventLog.Topics[1].Big().String(),
			Payer:  common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
			Amount: data.Amount.String(),
			TxHash: txHash,
		}, nil

	case contracts.LoanLiquidatedSig:
		if len(eventLog.Topics) != 3 {
			return nil, fmt.Errorf("LoanLiquidated log has %d topics", len(eventLog.Topics))
		}
		var data struct {
			CollateralSeized *big.Int
		}
		if err := c.orderBookABI.UnpackIntoInterface(&data, "LoanLiquidated", eventLog.Data); err != nil {
			return nil, err
		}
		return &events.LoanLiquidated{
			LoanID:           eventLog.Topics[1].Big().String(),
			Liquidator:       common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
			CollateralSeized: data.CollateralSeized.String(),
			TxHash:           txHash,
		}, nil

	case contracts.OrderFilledSig:
		if len(eventLog.Topics) != 4 {
			return nil, fmt.Errorf("OrderFilled log has %d topics", len(eventLog.Topics))
		}
		var data struct {
			LoanId *big.Int
		}
		if err := c.orderBookABI.UnpackIntoInterface(&data, "OrderFilled", eventLog.Data); err != nil {
			return nil, err
		}
		return &events.OrderFilled{
			OrderHash: eventLog.Topics[1].Hex(),
			Lender:    common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
			Borrower:  common.BytesToAddress(eventLog.Topics[3].Bytes()).Hex(),
			LoanID:    data.LoanId.String(),
			TxHash:    txHash,
		}, nil
	}
	return nil, nil
}

func (c *OrderBookCrawler) toOutbox(eventLog types.Log, blockTime time.Time, ev events.Event) (model.OutboxEvent, error) {
	if err := ev.Validate(); err != nil {
		return model.OutboxEvent{}, fmt.Errorf("invalid %s event in tx %s: %w", ev.Kind(), eventLog.TxHash.Hex(), err)
	}

	id := fmt.Sprintf("%s:%d", eventLog.TxHash.Hex(), eventLog.Index)
	payload, err := events.Encode(events.Message{
		ID:          id,
		OccurredAt:  blockTime,
		BlockNumber: eventLog.BlockNumber,
		LogIndex:    eventLog.Index,
		Event:       ev,
	})
	if err != nil {
		return model.OutboxEvent{}, err
	}

	return model.OutboxEvent{
		EventID:      id,
		Topic:        c.topic,
		EventKind:    string(ev.Kind()),
		PartitionKey: events.PartitionKey(ev),
		BlockNumber:  eventLog.BlockNumber,
		LogIndex:     eventLog.Index,
		Payload:      payload,
	}, nil
}
