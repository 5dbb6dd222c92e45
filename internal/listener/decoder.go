package listener

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// questContractABI covers the two events the quest contract emits.
// The reward and score signals are synthesized downstream, never
// decoded from chain.
const questContractABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "questionId", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "reward", "type": "uint256"}
		],
		"name": "QuestionAdded",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "questionId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": false, "internalType": "bool", "name": "isCorrect", "type": "bool"},
			{"indexed": false, "internalType": "uint256", "name": "reward", "type": "uint256"}
		],
		"name": "AnswerSubmitted",
		"type": "event"
	}
]`

// Decoder turns raw chain logs into typed contract events. Logs that
// do not match a known event, or that fail to unpack, are dropped with
// a warning rather than failing the batch.
type Decoder struct {
	contractABI abi.ABI
	topics      map[common.Hash]string
	logger      *logrus.Logger
}

// NewDecoder parses the quest contract ABI and indexes its event topics.
func NewDecoder() (*Decoder, error) {
	contractABI, err := abi.JSON(strings.NewReader(questContractABI))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to parse contract ABI", err.Error())
	}

	topics := make(map[common.Hash]string, len(contractABI.Events))
	for name, ev := range contractABI.Events {
		topics[ev.ID] = name
	}

	return &Decoder{
		contractABI: contractABI,
		topics:      topics,
		logger:      utils.GetLogger(),
	}, nil
}

// Topics returns the topic0 hashes of the decodable events, for use in
// log filter queries.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topics))
	for topic := range d.topics {
		out = append(out, topic)
	}
	return out
}

// DecodeLog decodes a single raw log. It returns (nil, nil) for logs
// that should be skipped: removed logs, unknown topics, or payloads
// that fail to unpack.
func (d *Decoder) DecodeLog(log types.Log, blockTimestamp uint64) (*models.ContractEvent, error) {
	if log.Removed {
		d.logger.WithFields(logrus.Fields{
			"tx_hash":   log.TxHash.Hex(),
			"log_index": log.Index,
		}).Warn("Skipping removed log from reorged block")
		return nil, nil
	}
	if len(log.Topics) == 0 {
		return nil, nil
	}

	name, ok := d.topics[log.Topics[0]]
	if !ok {
		return nil, nil
	}

	event := &models.ContractEvent{
		BlockNumber:    log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		TxHash:         strings.ToLower(log.TxHash.Hex()),
		LogIndex:       log.Index,
		Address:        utils.NormalizeAddress(log.Address.Hex()),
	}

	switch name {
	case "QuestionAdded":
		args, err := d.decodeQuestionAdded(log)
		if err != nil {
			return nil, err
		}
		event.Name = models.EventQuestionAdded
		event.Args = args
	case "AnswerSubmitted":
		args, err := d.decodeAnswerSubmitted(log)
		if err != nil {
			return nil, err
		}
		event.Name = models.EventAnswerSubmitted
		event.Args = args
	default:
		return nil, nil
	}

	return event, nil
}

func (d *Decoder) decodeQuestionAdded(log types.Log) (models.QuestionAddedArgs, error) {
	var args models.QuestionAddedArgs
	if len(log.Topics) < 2 {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "QuestionAdded log missing indexed questionId")
	}
	args.QuestionID = new(big.Int).SetBytes(log.Topics[1].Bytes())

	unpacked, err := d.contractABI.Unpack("QuestionAdded", log.Data)
	if err != nil {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "Failed to unpack QuestionAdded data", err.Error())
	}
	if len(unpacked) != 1 {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "Unexpected QuestionAdded field count")
	}
	reward, ok := unpacked[0].(*big.Int)
	if !ok {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "QuestionAdded reward is not uint256")
	}
	args.Reward = reward
	return args, nil
}

func (d *Decoder) decodeAnswerSubmitted(log types.Log) (models.AnswerSubmittedArgs, error) {
	var args models.AnswerSubmittedArgs
	if len(log.Topics) < 3 {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "AnswerSubmitted log missing indexed topics")
	}
	args.QuestionID = new(big.Int).SetBytes(log.Topics[1].Bytes())
	args.User = utils.NormalizeAddress(common.BytesToAddress(log.Topics[2].Bytes()).Hex())

	unpacked, err := d.contractABI.Unpack("AnswerSubmitted", log.Data)
	if err != nil {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "Failed to unpack AnswerSubmitted data", err.Error())
	}
	if len(unpacked) != 2 {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "Unexpected AnswerSubmitted field count")
	}
	isCorrect, ok := unpacked[0].(bool)
	if !ok {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "AnswerSubmitted isCorrect is not bool")
	}
	reward, ok := unpacked[1].(*big.Int)
	if !ok {
		return args, utils.NewAppError(utils.ErrCodeProcessing, "AnswerSubmitted reward is not uint256")
	}
	args.IsCorrect = isCorrect
	args.Reward = reward
	return args, nil
}
