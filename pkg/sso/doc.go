// Package sso implements team single sign-on for Skyhook: SAML 2.0 and
// OpenID Connect federated login with just-in-time provisioning.
//
// # Flow
//
// A login begins with domain discovery: the email's domain resolves to a
// verified team and its login configuration. The protocol driver (SAMLDriver
// or OIDCDriver) then redirects the browser to the team's identity provider
// and later verifies the callback: signature, validity window, audience, and
// single-use correlation state (SAML InResponseTo, OIDC state/nonce). The
// verified identity lands in the LoginStateMachine, which provisions users
// and memberships just-in-time when team policy allows, decides whether a
// second factor is owed, and produces the terminal outcome.
//
// # Replay protection
//
// Correlation state lives in Redis and is consumed on first use. A SAML
// response or OIDC callback presented twice finds its record gone and is
// rejected, regardless of which instance served the first submission.
//
// # Anti-enumeration
//
// Discovery answers identically for unknown domains, unverified claims, and
// teams with SSO switched off. Callback failures always redirect; status
// codes never distinguish failure causes.
package sso
