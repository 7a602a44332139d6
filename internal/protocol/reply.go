package protocol

import "time"

// ParticipantInfo is one entry of a participant_list message.
type ParticipantInfo struct {
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
}

// HistoryEntry is one replayed chat entry inside a history message.
type HistoryEntry struct {
	TS        string  `json:"ts"`
	UID       uint32  `json:"uid"`
	Username  string  `json:"username"`
	Text      string  `json:"text"`
	Kind      string  `json:"kind"`
	TargetUID *uint32 `json:"target_uid,omitempty"`
}

// LoginSuccessMsg confirms a successful login.
type LoginSuccessMsg struct {
	Type     string `json:"type"`
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
}

// ParticipantListMsg carries the current roster.
type ParticipantListMsg struct {
	Type         string            `json:"type"`
	Participants []ParticipantInfo `json:"participants"`
}

// HistoryMsg replays recent chat entries, oldest first.
type HistoryMsg struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
	Count    int            `json:"count"`
}

// PresenceMsg announces a participant joining or leaving.
type PresenceMsg struct {
	Type     string `json:"type"`
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
	TS       string `json:"timestamp"`
}

// HeartbeatAckMsg acknowledges a heartbeat.
type HeartbeatAckMsg struct {
	Type string `json:"type"`
	TS   string `json:"timestamp"`
}

// ChatMsg delivers a chat or broadcast message to every participant.
type ChatMsg struct {
	Type     string `json:"type"`
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
}

// UnicastMsg delivers a private message to its target.
type UnicastMsg struct {
	Type         string `json:"type"`
	FromUID      uint32 `json:"from_uid"`
	FromUsername string `json:"from_username"`
	ToUID        uint32 `json:"to_uid"`
	ToUsername   string `json:"to_username"`
	Text         string `json:"text"`
	TS           string `json:"ts"`
}

// UnicastSentMsg confirms unicast delivery to the sender.
type UnicastSentMsg struct {
	Type       string `json:"type"`
	TargetUID  uint32 `json:"target_uid"`
	ToUsername string `json:"to_username"`
}

// FileUploadPortMsg tells the offerer where to send the file bytes.
type FileUploadPortMsg struct {
	Type string `json:"type"`
	Port int    `json:"port"`
	FID  string `json:"fid"`
}

// FileDownloadPortMsg tells a requester where to fetch the file bytes.
type FileDownloadPortMsg struct {
	Type     string `json:"type"`
	Port     int    `json:"port"`
	FID      string `json:"fid"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// FileAvailableMsg announces a completed upload to every participant.
type FileAvailableMsg struct {
	Type            string `json:"type"`
	FID             string `json:"fid"`
	Filename        string `json:"filename"`
	Size            int64  `json:"size"`
	OffererUID      uint32 `json:"offerer_uid"`
	OffererUsername string `json:"offerer_username"`
}

// PresentStartMsg announces that a participant started presenting. ViewerPort
// is unused by the UDP screen-share path and omitted when nil.
type PresentStartMsg struct {
	Type       string `json:"type"`
	UID        uint32 `json:"uid"`
	Username   string `json:"username"`
	Topic      string `json:"topic"`
	ViewerPort *int   `json:"viewer_port,omitempty"`
}

// PresentStopMsg announces that a participant stopped presenting.
type PresentStopMsg struct {
	Type string `json:"type"`
	UID  uint32 `json:"uid"`
}

// ErrorMsg reports a request failure.
type ErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// LoginSuccess builds a login_success message.
func LoginSuccess(uid uint32, username string) LoginSuccessMsg {
	return LoginSuccessMsg{Type: "login_success", UID: uid, Username: username}
}

// ParticipantList builds a participant_list message.
func ParticipantList(participants []ParticipantInfo) ParticipantListMsg {
	if participants == nil {
		participants = []ParticipantInfo{}
	}
	return ParticipantListMsg{Type: "participant_list", Participants: participants}
}

// History builds a history message.
func History(messages []HistoryEntry) HistoryMsg {
	if messages == nil {
		messages = []HistoryEntry{}
	}
	return HistoryMsg{Type: "history", Messages: messages, Count: len(messages)}
}

// UserJoined builds a user_joined message.
func UserJoined(uid uint32, username string, now time.Time) PresenceMsg {
	return PresenceMsg{Type: "user_joined", UID: uid, Username: username, TS: Timestamp(now)}
}

// UserLeft builds a user_left message.
func UserLeft(uid uint32, username string, now time.Time) PresenceMsg {
	return PresenceMsg{Type: "user_left", UID: uid, Username: username, TS: Timestamp(now)}
}

// HeartbeatAck builds a heartbeat_ack message.
func HeartbeatAck(now time.Time) HeartbeatAckMsg {
	return HeartbeatAckMsg{Type: "heartbeat_ack", TS: Timestamp(now)}
}

// ChatEvent builds a chat or broadcast delivery. kind must be "chat" or
// "broadcast" and becomes the message type.
func ChatEvent(kind string, uid uint32, username, text string, now time.Time) ChatMsg {
	return ChatMsg{Type: kind, UID: uid, Username: username, Text: text, TS: Timestamp(now)}
}

// UnicastEvent builds a unicast delivery.
func UnicastEvent(fromUID uint32, fromUsername string, toUID uint32, toUsername, text string, now time.Time) UnicastMsg {
	return UnicastMsg{
		Type:         "unicast",
		FromUID:      fromUID,
		FromUsername: fromUsername,
		ToUID:        toUID,
		ToUsername:   toUsername,
		Text:         text,
		TS:           Timestamp(now),
	}
}

// UnicastSent builds a unicast_sent confirmation.
func UnicastSent(targetUID uint32, toUsername string) UnicastSentMsg {
	return UnicastSentMsg{Type: "unicast_sent", TargetUID: targetUID, ToUsername: toUsername}
}

// FileUploadPort builds a file_upload_port reply.
func FileUploadPort(port int, fid string) FileUploadPortMsg {
	return FileUploadPortMsg{Type: "file_upload_port", Port: port, FID: fid}
}

// FileDownloadPort builds a file_download_port reply.
func FileDownloadPort(port int, fid, filename string, size int64) FileDownloadPortMsg {
	return FileDownloadPortMsg{Type: "file_download_port", Port: port, FID: fid, Filename: filename, Size: size}
}

// FileAvailable builds a file_available broadcast.
func FileAvailable(fid, filename string, size int64, offererUID uint32, offererUsername string) FileAvailableMsg {
	return FileAvailableMsg{
		Type:            "file_available",
		FID:             fid,
		Filename:        filename,
		Size:            size,
		OffererUID:      offererUID,
		OffererUsername: offererUsername,
	}
}

// PresentStartBroadcast builds a present_start_broadcast message.
func PresentStartBroadcast(uid uint32, username, topic string) PresentStartMsg {
	return PresentStartMsg{Type: "present_start_broadcast", UID: uid, Username: username, Topic: topic}
}

// PresentStopBroadcast builds a present_stop_broadcast message.
func PresentStopBroadcast(uid uint32) PresentStopMsg {
	return PresentStopMsg{Type: "present_stop_broadcast", UID: uid}
}

// Error builds an error reply.
func Error(reason string) ErrorMsg {
	return ErrorMsg{Type: "error", Reason: reason}
}
