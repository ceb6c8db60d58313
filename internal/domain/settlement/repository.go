package settlement

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Ledger,Attributor

import "context"

// Ledger receives settlement records. It is the external collaborator that
// verifies and moves funds; implementations only have to store or forward.
type Ledger interface {
	Submit(ctx context.Context, rec Record) error
}

// Attributor maps a winning prediction to the participant address that
// should be paid for it.
type Attributor interface {
	Attribute(ctx context.Context, e Entry) (string, error)
}

// OwnerAttributor pays the participant recorded as the entry's owner.
type OwnerAttributor struct{}

func (OwnerAttributor) Attribute(_ context.Context, e Entry) (string, error) {
	if e.Owner == "" {
		return "", ErrUnattributed
	}
	return e.Owner, nil
}
