package classifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/classifier"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   classifier.Input
		want calllog.Status
	}{
		{"answered wins over busy", classifier.Input{Answered: true, ResponseCode: 486}, calllog.StatusCompleted},
		{"answered wins over explicit cancel", classifier.Input{Answered: true, Explicit: calllog.StatusCancelled}, calllog.StatusCompleted},
		{"explicit rejected preserved", classifier.Input{Direction: calllog.DirectionIncoming, Explicit: calllog.StatusRejected}, calllog.StatusRejected},
		{"explicit unavailable beats 486", classifier.Input{Explicit: calllog.StatusUnavailable, ResponseCode: 486}, calllog.StatusUnavailable},
		{"explicit cancelled preserved", classifier.Input{Direction: calllog.DirectionOutgoing, Explicit: calllog.StatusCancelled}, calllog.StatusCancelled},
		{"explicit failed preserved", classifier.Input{Direction: calllog.DirectionOutgoing, Explicit: calllog.StatusFailed}, calllog.StatusFailed},
		{"explicit busy is not preserved", classifier.Input{Direction: calllog.DirectionOutgoing, Explicit: calllog.StatusBusy}, calllog.StatusNoAnswer},
		{"486 busy", classifier.Input{Direction: calllog.DirectionOutgoing, ResponseCode: 486}, calllog.StatusBusy},
		{"486 beats reject phrase", classifier.Input{Direction: calllog.DirectionOutgoing, ResponseCode: 486, ReasonPhrase: "Rejected"}, calllog.StatusBusy},
		{"603 rejected", classifier.Input{ResponseCode: 603}, calllog.StatusRejected},
		{"600 rejected", classifier.Input{ResponseCode: 600}, calllog.StatusRejected},
		{"604 rejected", classifier.Input{ResponseCode: 604}, calllog.StatusRejected},
		{"487 rejected", classifier.Input{Direction: calllog.DirectionOutgoing, ResponseCode: 487}, calllog.StatusRejected},
		{"480 unavailable", classifier.Input{Direction: calllog.DirectionOutgoing, ResponseCode: 480}, calllog.StatusUnavailable},
		{"404 failed", classifier.Input{Direction: calllog.DirectionOutgoing, ResponseCode: 404}, calllog.StatusFailed},
		{"503 failed", classifier.Input{Direction: calllog.DirectionIncoming, ResponseCode: 503}, calllog.StatusFailed},
		{"200 falls through", classifier.Input{Direction: calllog.DirectionIncoming, ResponseCode: 200}, calllog.StatusMissed},
		{"decline phrase", classifier.Input{Direction: calllog.DirectionOutgoing, ReasonPhrase: "Call Declined"}, calllog.StatusRejected},
		{"reject phrase any case", classifier.Input{Direction: calllog.DirectionIncoming, ReasonPhrase: "REJECTED by user"}, calllog.StatusRejected},
		{"incoming default missed", classifier.Input{Direction: calllog.DirectionIncoming}, calllog.StatusMissed},
		{"outgoing default no-answer", classifier.Input{Direction: calllog.DirectionOutgoing}, calllog.StatusNoAnswer},
		{"unknown direction no-answer", classifier.Input{}, calllog.StatusNoAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.in))
		})
	}
}

func TestClassifyAlwaysFinal(t *testing.T) {
	dirs := []calllog.Direction{calllog.DirectionNone, calllog.DirectionIncoming, calllog.DirectionOutgoing}
	explicit := []calllog.Status{"", calllog.StatusRejected, calllog.StatusCancelled, calllog.StatusInProgress}
	codes := []int{0, 180, 200, 404, 480, 486, 487, 500, 603, 699}

	for _, d := range dirs {
		for _, e := range explicit {
			for _, c := range codes {
				for _, answered := range []bool{false, true} {
					in := classifier.Input{Direction: d, Explicit: e, ResponseCode: c, Answered: answered}
					got := classifier.Classify(in)
					assert.True(t, got.Final(), "non-final status %q for %+v", got, in)
					assert.Equal(t, got, classifier.Classify(in), "not deterministic for %+v", in)
					if answered {
						assert.Equal(t, calllog.StatusCompleted, got)
					}
				}
			}
		}
	}
}
