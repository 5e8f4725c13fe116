package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureRecordsMessages(t *testing.T) {
	capture := &Capture{}

	_, err := capture.Send(context.Background(), Message{
		Channel: ChannelEmail,
		To:      "a@example.com",
		Subject: "Your sign-in link",
		Body:    "click here",
	})
	require.NoError(t, err)

	_, err = capture.Send(context.Background(), Message{
		Channel: ChannelSMS,
		To:      "+15558671234",
		Body:    "code 123456",
	})
	require.NoError(t, err)

	assert.Len(t, capture.Messages(), 2)
	last, ok := capture.Last()
	require.True(t, ok)
	assert.Equal(t, ChannelSMS, last.Channel)
}

func TestCaptureErr(t *testing.T) {
	capture := &Capture{Err: ErrSendFailed}
	_, err := capture.Send(context.Background(), Message{Channel: ChannelEmail, To: "a@example.com"})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, capture.Messages())
}

func TestFuncAdapter(t *testing.T) {
	var got Message
	sender := Func(func(_ context.Context, msg Message) (*Receipt, error) {
		got = msg
		return &Receipt{ProviderID: "msg-1"}, nil
	})

	receipt, err := sender.Send(context.Background(), Message{Channel: ChannelEmail, To: "x@y.z"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", receipt.ProviderID)
	assert.Equal(t, "x@y.z", got.To)
}

func TestSMTPSenderRejectsSMS(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "noreply@example.com"})
	_, err := sender.Send(context.Background(), Message{Channel: ChannelSMS, To: "+15550000000"})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestSMTPSenderHonorsCancelledContext(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "noreply@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sender.Send(ctx, Message{Channel: ChannelEmail, To: "a@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
}
