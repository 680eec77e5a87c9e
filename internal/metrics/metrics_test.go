package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordQuotaConsume(t *testing.T) {
	granted := testutil.ToFloat64(QuotaConsume.WithLabelValues("granted"))
	denied := testutil.ToFloat64(QuotaConsume.WithLabelValues("denied"))
	failed := testutil.ToFloat64(QuotaConsume.WithLabelValues("error"))

	RecordQuotaConsume(true, nil)
	RecordQuotaConsume(false, nil)
	RecordQuotaConsume(true, errors.New("db down"))

	assert.Equal(t, granted+1, testutil.ToFloat64(QuotaConsume.WithLabelValues("granted")))
	assert.Equal(t, denied+1, testutil.ToFloat64(QuotaConsume.WithLabelValues("denied")))
	assert.Equal(t, failed+1, testutil.ToFloat64(QuotaConsume.WithLabelValues("error")))
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(Deliveries.WithLabelValues("discord", "sent"))

	RecordDelivery("discord", "sent", 120*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(Deliveries.WithLabelValues("discord", "sent")))
}

func TestRecordWebhookEvent(t *testing.T) {
	before := testutil.ToFloat64(WebhookEvents.WithLabelValues("notification", "duplicate"))

	RecordWebhookEvent("notification", "duplicate")
	RecordWebhookEvent("notification", "duplicate")

	assert.Equal(t, before+2, testutil.ToFloat64(WebhookEvents.WithLabelValues("notification", "duplicate")))
}
