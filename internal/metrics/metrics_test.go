package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAuthAttemptIncrementsByResult(t *testing.T) {
	before := testutil.ToFloat64(AuthAttemptsTotal.WithLabelValues("success"))
	RecordAuthAttempt(true)
	assert.Equal(t, before+1, testutil.ToFloat64(AuthAttemptsTotal.WithLabelValues("success")))
}

func TestRecordMessageLabelsByDelivered(t *testing.T) {
	before := testutil.ToFloat64(MessagesTotal.WithLabelValues("true"))
	RecordMessage(true)
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesTotal.WithLabelValues("true")))
}

func TestRecordMediaUploadObservesSize(t *testing.T) {
	before := testutil.ToFloat64(MediaUploadsTotal)
	RecordMediaUpload(2048)
	assert.Equal(t, before+1, testutil.ToFloat64(MediaUploadsTotal))
}
