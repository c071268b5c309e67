package pipeline

import (
	"sort"
	"strconv"

	"github.com/voicedesk/voicedesk/internal/models"
)

// sortMessages orders session messages with the source-aware comparator:
// when either side did not arrive via Telegram, the wall-clock timestamp
// decides first; Telegram message ids are monotonically assigned per chat,
// so among Telegram messages the id alone preserves delivery order.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return lessMessage(&msgs[i], &msgs[j])
	})
}

func lessMessage(a, b *models.Message) bool {
	if sourceOf(a) != models.SourceTelegram || sourceOf(b) != models.SourceTelegram {
		if a.MessageTimestamp != b.MessageTimestamp {
			return a.MessageTimestamp < b.MessageTimestamp
		}
	}
	return lessMessageID(a.MessageID, b.MessageID)
}

func sourceOf(m *models.Message) string {
	if m.SourceType == "" {
		return models.SourceTelegram
	}
	return m.SourceType
}

// lessMessageID compares ids numerically when both parse, lexicographically
// otherwise. Telegram ids are numeric; web uploads carry opaque ids.
func lessMessageID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
