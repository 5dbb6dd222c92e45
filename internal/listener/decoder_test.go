package listener

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

var (
	questionAddedTopic   = utils.EventTopic("QuestionAdded(uint256,uint256)")
	answerSubmittedTopic = utils.EventTopic("AnswerSubmitted(uint256,address,bool,uint256)")
)

func uint256Word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func boolWord(v bool) []byte {
	b := make([]byte, 32)
	if v {
		b[31] = 1
	}
	return b
}

func questionAddedLog(block uint64, logIndex uint, questionID, reward int64) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x00000000000000000000000000000000c0ffee00"),
		Topics:      []common.Hash{questionAddedTopic, common.BigToHash(big.NewInt(questionID))},
		Data:        uint256Word(reward),
		BlockNumber: block,
		TxHash:      common.HexToHash("0x1111"),
		Index:       logIndex,
	}
}

func answerSubmittedLog(block uint64, logIndex uint, questionID int64, user common.Address, correct bool, reward int64) types.Log {
	data := append(boolWord(correct), uint256Word(reward)...)
	return types.Log{
		Address: common.HexToAddress("0x00000000000000000000000000000000c0ffee00"),
		Topics: []common.Hash{
			answerSubmittedTopic,
			common.BigToHash(big.NewInt(questionID)),
			common.BytesToHash(common.LeftPadBytes(user.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x2222"),
		Index:       logIndex,
	}
}

func TestDecoderTopicsCoverBothEvents(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	topics := d.Topics()
	assert.Len(t, topics, 2)
	assert.Contains(t, topics, questionAddedTopic)
	assert.Contains(t, topics, answerSubmittedTopic)
}

func TestDecodeQuestionAdded(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	event, err := d.DecodeLog(questionAddedLog(100, 3, 7, 250), 1700000000)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, models.EventQuestionAdded, event.Name)
	assert.Equal(t, uint64(100), event.BlockNumber)
	assert.Equal(t, uint64(1700000000), event.BlockTimestamp)
	assert.Equal(t, uint(3), event.LogIndex)

	args, ok := event.Args.(models.QuestionAddedArgs)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(7), args.QuestionID)
	assert.Equal(t, big.NewInt(250), args.Reward)
}

func TestDecodeAnswerSubmitted(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	user := common.HexToAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	event, err := d.DecodeLog(answerSubmittedLog(101, 0, 7, user, true, 250), 1700000005)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, models.EventAnswerSubmitted, event.Name)

	args, ok := event.Args.(models.AnswerSubmittedArgs)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(7), args.QuestionID)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", args.User)
	assert.True(t, args.IsCorrect)
	assert.Equal(t, big.NewInt(250), args.Reward)
}

func TestDecodeIncorrectAnswerWithZeroReward(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	user := common.HexToAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	event, err := d.DecodeLog(answerSubmittedLog(101, 0, 7, user, false, 0), 0)
	require.NoError(t, err)
	require.NotNil(t, event)

	args := event.Args.(models.AnswerSubmittedArgs)
	assert.False(t, args.IsCorrect)
	assert.Zero(t, args.Reward.Cmp(big.NewInt(0)))
}

func TestDecodeSkipsRemovedLog(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	log := questionAddedLog(100, 0, 1, 10)
	log.Removed = true

	event, err := d.DecodeLog(log, 0)
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestDecodeSkipsUnknownTopic(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	log := questionAddedLog(100, 0, 1, 10)
	log.Topics[0] = utils.EventTopic("Transfer(address,address,uint256)")

	event, err := d.DecodeLog(log, 0)
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestDecodeMalformedDataFails(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	log := questionAddedLog(100, 0, 1, 10)
	log.Data = []byte{0x01, 0x02} // truncated payload

	_, err = d.DecodeLog(log, 0)
	assert.Error(t, err)
}
