// Package auth authenticates gateway users.
//
// It provides:
//   - Password verification for Argon2id (PHC string) and bcrypt hashes
//   - HS256 JWT access tokens whose subject is the user id
//   - Single-use push tickets so browsers never put a JWT in a URL
//   - A Verifier that push connections use to turn a ticket or token into
//     a user id
//
// Tickets live in memory for a single instance, or in Redis when several
// gateway instances share a load balancer.
package auth
