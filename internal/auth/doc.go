// Package auth issues and verifies caregiver credentials.
//
// Login creates a user on first sight (with a generated display name) and
// returns a short-lived access token and a long-lived refresh token, both
// HS256 JWTs. The access token is presented when opening the real-time
// connection; the refresh token, kept in an httpOnly cookie, buys new access
// tokens until it expires or is revoked by logout.
package auth
