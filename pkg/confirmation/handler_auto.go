package confirmation

import "context"

// AutoHandler approves every request without interaction.
type AutoHandler struct{}

func NewAutoHandler() *AutoHandler { return &AutoHandler{} }

func (*AutoHandler) Kind() Kind { return KindAuto }

func (*AutoHandler) RequestConfirmation(_ context.Context, req Request) (Response, error) {
	return Response{RequestID: req.ID, Decision: DecisionApprove, Reason: "auto-approved", Actor: "auto"}, nil
}
