package auth

import "context"

// AccountStore is the credential store consumed by the auth flow. Lookups
// report ErrNotFound for missing accounts and Insert reports ErrAlreadyExists
// when the email is taken, including when a concurrent insert won the race.
type AccountStore interface {
	Insert(ctx context.Context, acc *Account) error
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Account, error)
	SetKYC(ctx context.Context, id string, kyc KYC) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
