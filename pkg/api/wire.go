package api

// Request and response bodies for the agent's migration endpoints. The HTTP
// proxy and the agent handlers share these so the two sides cannot drift.

type PrepareRequest struct {
	Params MigrationParams `json:"params"`
}

type PerformRequest struct {
	Params MigrationParams `json:"params"`
	Dest   PrepareResult   `json:"dest"`
}

type FinishRequest struct {
	Params  MigrationParams `json:"params"`
	Perform PerformResult   `json:"perform"`
}

type ConfirmRequest struct {
	Params MigrationParams `json:"params"`
	Finish FinishResult    `json:"finish"`
}

type CancelRequest struct {
	Params         MigrationParams `json:"params"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ResumeRequest struct {
	Params MigrationParams `json:"params"`
}

// ErrorResponse is the body of any non-2xx migration endpoint reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
