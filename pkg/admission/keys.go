package admission

import (
	"fmt"
	"time"
)

// Key namespaces inside the shared counter store. Every process instance
// derives identical keys, which is what makes enforcement cross-process.
// Abuse-detector keys are deliberately separate from evaluator keys so the
// detectors never feed back into the throttling counters.
const (
	nsRoute  = "r" // route-policy evaluation
	nsGlobal = "g" // global-policy evaluation
)

func windowKey(ns, id string, window time.Duration) string {
	return fmt.Sprintf("win:%s:%s:%d", ns, id, int64(window.Seconds()))
}

func burstKey(ns, id string) string {
	return fmt.Sprintf("burst:%s:%s", ns, id)
}

func bucketKey(ns, id string) string {
	return fmt.Sprintf("bucket:%s:%s", ns, id)
}

func banKey(id string) string {
	return "ban:" + id
}

func banHistoryKey(id string) string {
	return "banhist:" + id
}

func reputationKey(id string) string {
	return "rep:" + id
}

func rapidFireKey(id string) string {
	return "abuse:rapid:" + id
}

// surgeKey buckets the global request counter by epoch window so the
// counter decays without a sorted set shared by every request.
func surgeKey(window time.Duration, now time.Time) string {
	sec := int64(window.Seconds())
	if sec <= 0 {
		sec = 60
	}
	return fmt.Sprintf("abuse:surge:%d", now.Unix()/sec)
}

func scanPathsKey(id string) string {
	return "abuse:paths:" + id
}
