package telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Caller wraps the Twilio REST API for one call's account credentials.
// Construct once per session and cache it — the underlying client carries
// connection state worth reusing.
type Caller struct {
	rest *twilio.RestClient
}

// NewCaller builds a REST client for the given account credentials.
func NewCaller(accountSID, authToken string) *Caller {
	return &Caller{
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

// Hangup completes the call.
func (c *Caller) Hangup(_ context.Context, callSID string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.rest.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telephony: hangup %s: %w", callSID, err)
	}
	return nil
}

// RedirectTwiML replaces the call's active TwiML document, e.g. with a
// <Dial> for a transfer.
func (c *Caller) RedirectTwiML(_ context.Context, callSID, twiml string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := c.rest.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telephony: redirect %s: %w", callSID, err)
	}
	return nil
}

// RedirectURL points the call at a new webhook URL.
func (c *Caller) RedirectURL(_ context.Context, callSID, url string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetUrl(url)
	if _, err := c.rest.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telephony: redirect %s: %w", callSID, err)
	}
	return nil
}
