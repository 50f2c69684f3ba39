// Package workflow models the lifecycle of a multi-agent workflow: the
// persistent record that tracks status, plan and step results, the plan DAG
// with its readiness computation, and interchangeable stores (memory, Redis,
// MySQL) that all expose the same atomic read-modify-write contract.
package workflow
