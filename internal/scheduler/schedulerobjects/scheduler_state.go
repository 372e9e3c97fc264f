package schedulerobjects

// SchedulerStateName is the key of the single scheduler row.
const SchedulerStateName = "scheduler"

// SchedulerState is the cluster-wide scheduler settings row.
type SchedulerState struct {
	Name     string
	IsPaused bool
}
