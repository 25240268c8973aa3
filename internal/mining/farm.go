package mining

// Farm is the work distribution facade seen by the device workers.
// Implementations must be safe for concurrent use by every worker.
type Farm interface {
	// CurrentWork returns a snapshot of the work to search.
	CurrentWork() WorkPackage
	// SubmitProof hands a solution to the pool side.
	SubmitProof(sol Solution)
	// ReportFailedSolution records a device result that failed host
	// verification.
	ReportFailedSolution(worker string)
	// NonceScrambler is the farm wide random base used by workers that do
	// not partition the nonce space.
	NonceScrambler() uint64
}

// Observer exposes the mining state to stats consumers.
type Observer interface {
	MiningProgress() WorkingProgress
	SolutionStats() SolutionStats
}
