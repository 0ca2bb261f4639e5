package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/aelexs/storefront-otp/internal/auth"
)

// snsPublisher is the subset of SNS the SMS provider uses. The real
// *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var (
	_ auth.SMSProvider = (*SNSSMSProvider)(nil)
	_ auth.SMSProvider = (*TwilioSMSProvider)(nil)
	_ auth.SMSProvider = (*LogSMSProvider)(nil)
)

// SNSSMSProvider delivers codes as transactional SMS through Amazon SNS.
type SNSSMSProvider struct {
	client   snsPublisher
	senderID string
}

// NewSNSSMSProvider creates an SNSSMSProvider. senderID is optional and only
// honoured in countries that support alphanumeric sender ids.
func NewSNSSMSProvider(client snsPublisher, senderID string) *SNSSMSProvider {
	return &SNSSMSProvider{client: client, senderID: senderID}
}

// SendOTP publishes the code message directly to the phone number.
func (p *SNSSMSProvider) SendOTP(ctx context.Context, msg auth.OTPMessage) error {
	ctx, span := tracer.Start(ctx, "sns.publish_sms")
	defer span.End()

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	_, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To.String()),
		Message:           aws.String(auth.MessageBody(msg)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return recordSpanError(span, fmt.Errorf("sns sms: send otp to %s: %w", msg.To.Masked(), err))
	}
	return nil
}

// twilioMessageCreator is the subset of the Twilio REST API the provider
// uses. *twilioApi.ApiService satisfies it.
type twilioMessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// NewTwilioAPI builds the Twilio REST client for an account.
func NewTwilioAPI(accountSID, authToken string) *twilioApi.ApiService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return client.Api
}

// TwilioSMSProvider delivers codes through the Twilio Messages API.
type TwilioSMSProvider struct {
	api  twilioMessageCreator
	from string
}

// NewTwilioSMSProvider creates a TwilioSMSProvider sending from the given
// number or messaging service sender.
func NewTwilioSMSProvider(api twilioMessageCreator, from string) *TwilioSMSProvider {
	return &TwilioSMSProvider{api: api, from: from}
}

// SendOTP creates one outbound message. The Twilio client takes no context,
// so cancellation is only observed before the request starts.
func (p *TwilioSMSProvider) SendOTP(ctx context.Context, msg auth.OTPMessage) error {
	_, span := tracer.Start(ctx, "twilio.create_message")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("twilio sms: send otp to %s: %w", msg.To.Masked(), err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To.String())
	params.SetFrom(p.from)
	params.SetBody(auth.MessageBody(msg))

	if _, err := p.api.CreateMessage(params); err != nil {
		return recordSpanError(span, fmt.Errorf("twilio sms: send otp to %s: %w", msg.To.Masked(), err))
	}
	return nil
}

// LogSMSProvider writes the message to the logger instead of sending it.
// It exists for the local environment; configuration refuses it in prod.
type LogSMSProvider struct {
	logger *slog.Logger
}

// NewLogSMSProvider creates a LogSMSProvider.
func NewLogSMSProvider(logger *slog.Logger) *LogSMSProvider {
	return &LogSMSProvider{logger: logger}
}

// SendOTP logs the rendered message body against the masked number.
func (p *LogSMSProvider) SendOTP(ctx context.Context, msg auth.OTPMessage) error {
	p.logger.InfoContext(ctx, "sms delivery (log-only)",
		slog.String("to", msg.To.Masked()),
		slog.String("purpose", msg.Purpose.String()),
		slog.String("body", auth.MessageBody(msg)),
	)
	return nil
}
