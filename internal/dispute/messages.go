package dispute

// Envelope types for dispute traffic. They ride the dns protocol alongside
// resolution messages; the dispatcher routes them by type.
const (
	TypeVoteRequest = "VOTE_REQUEST"
	TypeVote        = "VOTE"
	TypeResolved    = "DISPUTE_RESOLVED"
)

// Evidence backs a claim of ownership. OwnershipProof is opaque to the
// protocol; voters only check it is present and the claimed registration
// predates the defendant's.
type Evidence struct {
	OwnershipProof string `json:"ownership_proof,omitempty"`
	RegisteredAt   int64  `json:"registered_at,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// VoteRequestPayload opens a dispute and asks every node to vote.
type VoteRequestPayload struct {
	DisputeID   string   `json:"dispute_id"`
	Domain      string   `json:"domain"`
	ClaimantID  int      `json:"claimant_id"`
	DefendantID int      `json:"defendant_id"`
	Evidence    Evidence `json:"evidence"`
}

// Ballot values. Abstentions count toward the voter quorum but carry no
// weight in the tally.
const (
	VoteClaimant = "claimant"
	VoteClaimed  = "claimed"
	VoteAbstain  = "abstain"
)

// VotePayload is one node's verdict on a dispute.
type VotePayload struct {
	DisputeID string `json:"dispute_id"`
	Vote      string `json:"vote"` // claimant, claimed, or abstain
}

// Dispute outcomes.
const (
	OutcomeUpheld            = "upheld"
	OutcomeRejected          = "rejected"
	OutcomeInsufficientVotes = "insufficient_votes"
)

// ResolvedPayload announces the final outcome so every node applies the
// same trust adjustments and cache updates.
type ResolvedPayload struct {
	DisputeID   string  `json:"dispute_id"`
	Domain      string  `json:"domain"`
	ClaimantID  int     `json:"claimant_id"`
	DefendantID int     `json:"defendant_id"`
	Outcome     string  `json:"outcome"`
	Support     float64 `json:"support"` // claimant's weighted share
	Voters      int     `json:"voters"`
}
