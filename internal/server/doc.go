// Package server is the agent's HTTP front end.
//
// It serves:
//   - POST /in/{project}: GitHub push webhooks, verified against the site
//     secret, which queue a fetch and deploy of the site branch
//   - /api/{project}/...: deployment records and jobs, authenticated with
//     the site secret as a bearer token
//   - GET /health and GET /metrics for monitoring
//
// Busy deployment or job locks answer 409 Conflict; unknown deployments,
// revisions and jobs answer 404.
package server
