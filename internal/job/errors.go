package job

import "errors"

// Error classes of a job. Callers classify with errors.Is; the concrete
// cause is wrapped underneath.
var (
	// ErrUsage reports bad or missing invocation parameters. No distributed
	// work has started when it is returned.
	ErrUsage = errors.New("usage error")
	// ErrIngestion reports an unreadable or malformed source image.
	ErrIngestion = errors.New("ingestion error")
	// ErrAllocation reports a buffer size that cannot be served.
	ErrAllocation = errors.New("allocation error")
	// ErrChannel reports a failed collective operation, including aborts
	// raised by another party.
	ErrChannel = errors.New("channel error")
	// ErrTransform reports a failure inside the transform stage.
	ErrTransform = errors.New("transform error")
	// ErrEmission reports a failure writing the processed image.
	ErrEmission = errors.New("emission error")
	// ErrPersistence reports a failed store of the emitted file. It never
	// fails the job.
	ErrPersistence = errors.New("persistence error")
)
