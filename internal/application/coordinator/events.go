package coordinator

import "github.com/livepoll/livepoll/internal/domain/poll"

// Event names sent over the transport.
const (
	EventPollStarted       = "poll-started"
	EventPollUpdated       = "poll-updated"
	EventPollEnded         = "poll-ended"
	EventPollState         = "poll-state"
	EventVoteConfirmed     = "vote-confirmed"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventPollHistory       = "poll-history"
	EventError             = "error"
)

type PollStarted struct {
	Poll             *poll.Poll `json:"poll"`
	RemainingSeconds int        `json:"remainingSeconds"`
}

// PollEvent carries a full poll snapshot. Clients replace their copy wholesale.
type PollEvent struct {
	Poll *poll.Poll `json:"poll"`
}

// PollState is the resync snapshot. Poll is nil when nothing is running.
type PollState struct {
	Poll             *poll.Poll `json:"poll"`
	RemainingSeconds int        `json:"remainingSeconds"`
	HasVoted         bool       `json:"hasVoted"`
}

type ParticipantEvent struct {
	Name              string `json:"name"`
	TotalParticipants int    `json:"totalParticipants"`
}

type PollHistory struct {
	Polls []*poll.Poll `json:"polls"`
}

// ErrorEvent is the negative acknowledgment sent to the originating connection.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
