// Package auth authenticates clients of the agent HTTP API.
//
// Clients present an HS256 JWT signed with security.jwt.secret and issued
// by the device (the iss claim is the device id). The role claim decides
// what the client may do:
//   - reader: read entities, download files, follow command events
//   - operator: also register, update and delete entities, and upload or
//     delete files
//
// Tokens come from `graylogic-agent --issue-token <role>`. The agent signs
// its own requests to the file transfer service with an operator token.
package auth
