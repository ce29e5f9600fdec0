package handlers

// Wire-shape response types. Kept distinct from the internal package types
// they're built from (mediacluster.ProducerInfo, seat.State, ...) so those
// packages never need to carry JSON tags for a wire format only the
// handlers layer is responsible for.

type participantInfo struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	IsSpeaker    bool   `json:"isSpeaker"`
}

type producerInfo struct {
	UserID     string `json:"userId"`
	ProducerID string `json:"producerId"`
}

type seatInfo struct {
	Index    int    `json:"index"`
	UserID   string `json:"userId,omitempty"`
	Muted    bool   `json:"muted"`
	Locked   bool   `json:"locked"`
	Occupied bool   `json:"occupied"`
}

type roomJoinResponse struct {
	RtpCapabilities   map[string]any    `json:"rtpCapabilities"`
	Participants      []participantInfo `json:"participants"`
	Seats             []seatInfo        `json:"seats"`
	LockedSeats       []int             `json:"lockedSeats"`
	ExistingProducers []producerInfo    `json:"existingProducers"`
}
