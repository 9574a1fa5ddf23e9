package ir

const (
	// EngineVersion is the tether engine version.
	EngineVersion = "0.1.0"

	// StoreVersion is the version of the system table layout. A change
	// clears databases created by an older build.
	StoreVersion = "1"
)
