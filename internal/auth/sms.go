package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// OTPMessage is what a dispatcher needs to deliver a code.
type OTPMessage struct {
	To      domain.PhoneNumber
	Code    string
	Purpose domain.Purpose
	TTL     time.Duration
}

// SMSProvider abstracts OTP delivery for vendor independence.
type SMSProvider interface {
	// SendOTP hands the code to the carrier. A nil error means the provider
	// accepted the message, not that it was delivered.
	SendOTP(ctx context.Context, msg OTPMessage) error
}

// MessageBody renders the SMS text for a purpose.
func MessageBody(msg OTPMessage) string {
	action := "track your order"
	if msg.Purpose == domain.PurposeReturnRequest {
		action = "start your return"
	}
	minutes := int(msg.TTL.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%s is your code to %s. It expires in %d min. Never share it.", msg.Code, action, minutes)
}
