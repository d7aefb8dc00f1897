package ports

import (
	"github.com/gin-gonic/gin"
)

type NegotiationHTTPHandler interface {
	RequestScreenShare(c *gin.Context)
	StartCall(c *gin.Context)
	ListRequests(c *gin.Context)
	GetActiveRequest(c *gin.Context)
	RespondToRequest(c *gin.Context)
	AcceptCall(c *gin.Context)
	RejectCall(c *gin.Context)
	CancelRequest(c *gin.Context)
	StartSession(c *gin.Context)
	GetActiveSession(c *gin.Context)
	SubscribeToStream(c *gin.Context)
	EndSession(c *gin.Context)
}

type SignalingHTTPHandler interface {
	PutOffer(c *gin.Context)
	GetOffer(c *gin.Context)
	PutAnswer(c *gin.Context)
	GetAnswer(c *gin.Context)
	AddCandidate(c *gin.Context)
	ListCandidates(c *gin.Context)
}

type EventStreamHandler interface {
	HandleEvents(c *gin.Context)
}
