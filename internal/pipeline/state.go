package pipeline

type State int32

const (
	StateIdle State = iota
	StateLoadingModels
	StateProcessingVideo
	StateFinalizingVideo
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingModels:
		return "loading_models"
	case StateProcessingVideo:
		return "processing_video"
	case StateFinalizingVideo:
		return "finalizing_video"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
