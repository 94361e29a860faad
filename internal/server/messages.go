package server

import "github.com/mnmxhq/mnmx/internal/proto"

func connectionNotification(accepted bool, reason string) proto.ConnectionNotification {
	return proto.ConnectionNotification{Accepted: accepted, Reason: reason}
}

func detachedKicked(reason string) proto.DetachedNotification {
	return proto.DetachedNotification{Reason: proto.ReasonKicked, KickReason: reason}
}

func detachedServerShutdown() proto.DetachedNotification {
	return proto.DetachedNotification{Reason: proto.ReasonServerShutdown}
}

func detachedExit(code int) proto.DetachedNotification {
	return proto.DetachedNotification{Reason: proto.ReasonExit, ExitCode: code}
}

func detachedDetach() proto.DetachedNotification {
	return proto.DetachedNotification{Reason: proto.ReasonDetach}
}
