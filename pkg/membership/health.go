package membership

// HealthReporter exposes the gossip layer's view of this node's own health,
// published as the nodestatus_membership_health_score gauge. It does not
// affect per-member status classification.
type HealthReporter interface {
    // HealthScore is memberlist's awareness score: 0 is healthy and larger
    // values mean this node is missing probes. -1 before Start.
    HealthScore() int
}
