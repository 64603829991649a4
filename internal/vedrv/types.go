package vedrv

// EngineParams configures a single DMA engine node at open time.
type EngineParams struct {
	Node      int
	NumDesc   int
	QueueWait bool
}

// DefaultEngineParams returns sensible defaults for opening a node.
func DefaultEngineParams(node int) EngineParams {
	return EngineParams{
		Node:      node,
		NumDesc:   32,
		QueueWait: true,
	}
}

// EngineInfo reports the static properties of an opened engine.
type EngineInfo struct {
	Node       int
	NumDesc    int
	Halted     bool
	DriverPath string
}
