package events

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)")
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var (
	// ErrMalformedLog marks a log with missing or unparsable fields
	ErrMalformedLog = errors.New("malformed transfer log")
	// ErrNotTransfer marks a log whose topic0 is not the ERC-20 Transfer event
	ErrNotTransfer = errors.New("log is not an ERC-20 transfer")
)

// TransferEvent is a decoded ERC-20 Transfer log. Addresses are lowercase hex.
type TransferEvent struct {
	TxHash           string
	LogIndex         uint64
	TransactionIndex uint64
	BlockNumber      uint64
	ChainID          string
	ContractAddress  string
	From             string
	To               string
	RawValue         *big.Int
	Confirmed        bool
}

// Decode converts a raw log into a TransferEvent. Any error it returns is a
// decode error: the caller should skip the log and continue with the batch.
func Decode(log RawLog, chainID string, confirmed bool) (*TransferEvent, error) {
	if log.Topic0 != "" {
		topic, err := decodeWord("topic0", log.Topic0)
		if err != nil {
			return nil, err
		}
		if common.BytesToHash(topic) != TransferTopic {
			return nil, apperrors.NewDecodeError("topic0", ErrNotTransfer)
		}
	}

	txHash, err := decodeTxHash(log.TransactionHash)
	if err != nil {
		return nil, err
	}
	contract, err := decodeAddress("address", log.Address)
	if err != nil {
		return nil, err
	}

	fromWord, err := decodeWord("topic1", log.Topic1)
	if err != nil {
		return nil, err
	}
	toWord, err := decodeWord("topic2", log.Topic2)
	if err != nil {
		return nil, err
	}

	value, err := decodeValue(log.Data)
	if err != nil {
		return nil, err
	}

	blockNumber, err := parseQuantity("blockNumber", log.BlockNumber, true)
	if err != nil {
		return nil, err
	}
	logIndex, err := parseQuantity("logIndex", log.LogIndex, true)
	if err != nil {
		return nil, err
	}
	txIndex, err := parseQuantity("transactionIndex", log.TransactionIndex, false)
	if err != nil {
		return nil, err
	}

	return &TransferEvent{
		TxHash:           txHash,
		LogIndex:         logIndex,
		TransactionIndex: txIndex,
		BlockNumber:      blockNumber,
		ChainID:          strings.ToLower(chainID),
		ContractAddress:  contract,
		From:             wordToAddress(fromWord),
		To:               wordToAddress(toWord),
		RawValue:         value,
		Confirmed:        confirmed,
	}, nil
}

func malformed(field, format string, args ...interface{}) error {
	return apperrors.NewDecodeError(field, fmt.Errorf("%w: %s", ErrMalformedLog, fmt.Sprintf(format, args...)))
}

// decodeWord parses a 0x-prefixed 32-byte topic
func decodeWord(field, s string) ([]byte, error) {
	if s == "" {
		return nil, malformed(field, "missing")
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, malformed(field, "%v", err)
	}
	if len(b) != common.HashLength {
		return nil, malformed(field, "expected %d bytes, got %d", common.HashLength, len(b))
	}
	return b, nil
}

// wordToAddress takes the low 20 bytes of an indexed address topic
func wordToAddress(word []byte) string {
	return strings.ToLower(common.BytesToAddress(word).Hex())
}

func decodeAddress(field, s string) (string, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", malformed(field, "invalid address %q", s)
	}
	return strings.ToLower(s), nil
}

func decodeTxHash(s string) (string, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return "", malformed("transactionHash", "%v", err)
	}
	if len(b) != common.HashLength {
		return "", malformed("transactionHash", "expected %d bytes, got %d", common.HashLength, len(b))
	}
	return strings.ToLower(s), nil
}

// decodeValue reads the uint256 amount from the log data; leading zero
// bytes are expected so the bytes are decoded rather than the quantity.
func decodeValue(data string) (*big.Int, error) {
	if data == "" {
		return nil, malformed("data", "missing")
	}
	b, err := hexutil.Decode(data)
	if err != nil {
		return nil, malformed("data", "%v", err)
	}
	if len(b) == 0 || len(b) > common.HashLength {
		return nil, malformed("data", "expected 1 to %d bytes, got %d", common.HashLength, len(b))
	}
	return new(big.Int).SetBytes(b), nil
}

// parseQuantity accepts decimal or 0x-hex unsigned integers
func parseQuantity(field string, q Quantity, required bool) (uint64, error) {
	s := strings.TrimSpace(string(q))
	if s == "" {
		if required {
			return 0, malformed(field, "missing")
		}
		return 0, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeUint64(strings.ToLower(s))
		if err != nil {
			return 0, malformed(field, "%v", err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, malformed(field, "%v", err)
	}
	return v, nil
}
