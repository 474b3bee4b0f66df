package auth

import "time"

// Account is the canonical stored identity. PasswordHash never leaves the
// server: it is excluded from every JSON rendering.
type Account struct {
	ID                 string    `json:"id" bson:"_id"`
	Name               string    `json:"name" bson:"name"`
	Email              string    `json:"email" bson:"email"`
	PasswordHash       string    `json:"-" bson:"password_hash"`
	Role               Role      `json:"role" bson:"role"`
	Phone              string    `json:"phone,omitempty" bson:"phone,omitempty"`
	Balance            int64     `json:"balance" bson:"balance"`
	SubscriptionStatus bool      `json:"subscription_status" bson:"subscription_status"`
	KYC                KYC       `json:"kyc" bson:"kyc"`
	CreatedAt          time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" bson:"updated_at"`
}

// KYC holds identity-verification material submitted by the account holder.
type KYC struct {
	IDType       string `json:"id_type,omitempty" bson:"id_type,omitempty"`
	IDNumber     string `json:"id_number,omitempty" bson:"id_number,omitempty"`
	LicensePhoto string `json:"license_photo,omitempty" bson:"license_photo,omitempty"`
	LivePhoto    string `json:"live_photo,omitempty" bson:"live_photo,omitempty"`
	Verified     bool   `json:"verified" bson:"verified"`
}

// ProfileUpdate carries the non-credential fields an account may change. Nil
// fields are left untouched.
type ProfileUpdate struct {
	Name  *string
	Phone *string
}

// KYCSubmission is the payload of a verification request.
type KYCSubmission struct {
	IDType       string
	IDNumber     string
	LicensePhoto string
	LivePhoto    string
}

// RegisterInput is the shape accepted by Service.Register.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
	Role     string
}

// Session is the result of a successful login.
type Session struct {
	Token   Token
	Account Account
}
