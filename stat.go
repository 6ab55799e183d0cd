package monsoon

// ExportStat is a point-in-time snapshot of the engine's internal
// counters, generalizing the teacher's stat.go cache/commit counters to
// Monsoon's block log and vacuum cycle.
type ExportStat struct {
	SessionCacheHit  uint64
	SessionCacheMiss uint64
	CommitCount      uint64
	VacuumCount      uint64
	Generation       uint64
	LogSizeBytes     uint64
}
