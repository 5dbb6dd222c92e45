package utils

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0xabcdef0123456789abcdef0123456789abcdef01"))
	assert.True(t, IsValidAddress("0xABCDEF0123456789ABCDEF0123456789ABCDEF01"))
	assert.False(t, IsValidAddress("0x1234"))
	assert.False(t, IsValidAddress("not-an-address"))
	assert.False(t, IsValidAddress(""))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcd", NormalizeAddress("0xABCD"))
	assert.Equal(t, "0xabcd", NormalizeAddress("ABCD"))
	assert.Equal(t, "0xabcd", NormalizeAddress("0xabcd"))
}

func TestEventTopic(t *testing.T) {
	// Well-known ERC-20 Transfer topic as a reference vector
	topic := EventTopic("Transfer(address,address,uint256)")
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", topic.Hex())
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, InitLogger("verbose", "json", "stdout", ""))
}

func TestInitLoggerFormats(t *testing.T) {
	require.NoError(t, InitLogger("debug", "text", "stdout", ""))
	l := GetLogger()
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	// Anything but "text" gets the structured default
	require.NoError(t, InitLogger("warn", "json", "stdout", ""))
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)
}

func TestGetLoggerDefaultsWithoutInit(t *testing.T) {
	loggerMu.Lock()
	logger = nil
	loggerMu.Unlock()

	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, logrus.InfoLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestAppError(t *testing.T) {
	err := NewAppError(ErrCodeValidation, "bad input", "field x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrCodeValidation, appErr.Code)
	assert.Equal(t, "field x", appErr.Details)
}
