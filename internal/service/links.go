package service

import (
	"net/url"
	"strings"
)

// Links builds the URLs handed to registrants.
type Links struct {
	FrontendURL   string
	QRCodeBaseURL string
}

// QRCode returns an image URL encoding the check-in code.
func (l Links) QRCode(checkInCode string) string {
	q := url.Values{}
	q.Set("size", "300x300")
	q.Set("data", checkInCode)
	return l.QRCodeBaseURL + "?" + q.Encode()
}

// Referral returns the registration page link carrying the referrer's code.
func (l Links) Referral(eventID, checkInCode string) string {
	q := url.Values{}
	q.Set("ref", checkInCode)
	return l.frontend() + "/events/" + url.PathEscape(eventID) + "/register?" + q.Encode()
}

// Edit returns the self-service page link for a raw edit token.
func (l Links) Edit(rawToken string) string {
	q := url.Values{}
	q.Set("token", rawToken)
	return l.frontend() + "/registrations/edit?" + q.Encode()
}

func (l Links) frontend() string {
	return strings.TrimRight(l.FrontendURL, "/")
}
