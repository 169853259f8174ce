package cache

// Scoped caches mirror the pipeline hierarchy. Lookups fall back outward:
// step -> plan -> run. Writes always land in the innermost scope, so a step
// cannot clobber run-wide state like guest facts.

// RunCache is the outermost scope, shared by every plan of a run.
type RunCache interface {
	Cache
}

// PlanCache is shared by all steps of one plan.
type PlanCache interface {
	Cache
}

// StepCache is scratch space for a single step invocation.
type StepCache interface {
	Cache
}

func NewRunCache() RunCache {
	return New(NoExpiration, 0, nil)
}

func NewPlanCache(parent RunCache) PlanCache {
	return New(NoExpiration, 0, parent)
}

func NewStepCache(parent PlanCache) StepCache {
	return New(NoExpiration, 0, parent)
}

// Well-known key prefixes. Composite keys join the prefix and a discriminator
// with ":", e.g. "facts:server-1".
const (
	KeyFactsPrefix    = "facts"
	KeyResultsPrefix  = "results"
	KeyDownloadPrefix = "download"
)

// FactsKey names the cached runner facts for one guest.
func FactsKey(guestName string) string {
	return KeyFactsPrefix + ":" + guestName
}

// ResultsKey names a plan's result list in the run cache. Plan pipelines
// publish there as they complete; the run summary reads the keys back.
func ResultsKey(planName string) string {
	return KeyResultsPrefix + ":" + planName
}

// DownloadKey names a cached fetched artifact by source URL.
func DownloadKey(url string) string {
	return KeyDownloadPrefix + ":" + url
}
