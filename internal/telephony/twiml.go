package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// ConnectStreamTwiML builds the response that bridges the call onto the
// per-call audio WebSocket.
func ConnectStreamTwiML(wsURL string) (string, error) {
	stream := &twiml.VoiceStream{Url: wsURL}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("telephony: build stream twiml: %w", err)
	}
	return doc, nil
}

// ErrorTwiML is the fixed response for calls with no configured assistant.
func ErrorTwiML() (string, error) {
	say := &twiml.VoiceSay{Message: "We're sorry, this number is not configured to take calls right now. Please try again later."}
	hangup := &twiml.VoiceHangup{}
	doc, err := twiml.Voice([]twiml.Element{say, hangup})
	if err != nil {
		return "", fmt.Errorf("telephony: build error twiml: %w", err)
	}
	return doc, nil
}

// DialNumberTwiML builds the conference-style transfer document.
func DialNumberTwiML(phoneNumber string) (string, error) {
	number := &twiml.VoiceNumber{PhoneNumber: phoneNumber}
	dial := &twiml.VoiceDial{InnerElements: []twiml.Element{number}}
	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return "", fmt.Errorf("telephony: build dial twiml: %w", err)
	}
	return doc, nil
}

// DialSipTwiML builds the SIP-refer-style transfer document. target may be
// a full SIP URI or a bare address.
func DialSipTwiML(target string) (string, error) {
	uri := target
	if len(uri) < 4 || uri[:4] != "sip:" {
		uri = "sip:" + uri
	}
	sip := &twiml.VoiceSip{SipUrl: uri}
	dial := &twiml.VoiceDial{InnerElements: []twiml.Element{sip}}
	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return "", fmt.Errorf("telephony: build sip twiml: %w", err)
	}
	return doc, nil
}
