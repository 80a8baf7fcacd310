package api

import (
	"time"

	"epic-poem/server/internal/model"
)

// MessageType websocket 文本帧的 type 字段
type MessageType string

// 客户端命令
const (
	MsgStart          MessageType = "start"
	MsgSubmitLine     MessageType = "submit_line"
	MsgReroll         MessageType = "reroll"
	MsgNewPoem        MessageType = "new_poem"
	MsgRegenerate     MessageType = "regenerate"
	MsgToggleArchive  MessageType = "toggle_archive"
	MsgUpdateSettings MessageType = "update_settings"
	MsgStartRecording MessageType = "start_recording"
	MsgStopRecording  MessageType = "stop_recording"
	MsgUnlockAudio    MessageType = "unlock_audio"
)

// 客户端对服务端请求的回执，按 id 对应
const (
	MsgPlaybackEnded    MessageType = "playback_ended"
	MsgPlaybackFailed   MessageType = "playback_failed"
	MsgLocalSpeechDone  MessageType = "local_speech_done"
	MsgRecordingStarted MessageType = "recording_started"
	MsgRecordingDenied  MessageType = "recording_denied"
	MsgRecordingDone    MessageType = "recording_done"
)

// 服务端消息
const (
	MsgSnapshot     MessageType = "snapshot"
	MsgPlayAudio    MessageType = "play_audio"
	MsgStopAudio    MessageType = "stop_audio"
	MsgSpeakLocal   MessageType = "speak_local"
	MsgStartCapture MessageType = "start_capture"
	MsgStopCapture  MessageType = "stop_capture"
	MsgError        MessageType = "error"
)

// ClientMessage 客户端发来的消息；二进制帧是麦克风音频，不走这个结构
type ClientMessage struct {
	Type      MessageType          `json:"type"`
	ID        string               `json:"id,omitempty"`
	Text      string               `json:"text,omitempty"`
	ArchiveID string               `json:"archive_id,omitempty"`
	Settings  *model.SettingsPatch `json:"settings,omitempty"`
	Error     string               `json:"error,omitempty"`
	ClientTS  time.Time            `json:"client_ts,omitempty"`
}

// ServerMessage 发给客户端的消息
type ServerMessage struct {
	Type     MessageType     `json:"type"`
	Seq      int64           `json:"seq,omitempty"`
	ID       string          `json:"id,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	// Audio 朗读音频（JSON 中为 Base64）
	Audio      []byte    `json:"audio,omitempty"`
	Text       string    `json:"text,omitempty"`
	VoiceIndex *int      `json:"voice_index,omitempty"`
	Discard    bool      `json:"discard,omitempty"`
	Error      string    `json:"error,omitempty"`
	ServerTS   time.Time `json:"server_ts"`
}

// isReply 回执类消息直接在读循环里分发，不进入事件队列
func (t MessageType) isReply() bool {
	switch t {
	case MsgPlaybackEnded, MsgPlaybackFailed, MsgLocalSpeechDone,
		MsgRecordingStarted, MsgRecordingDenied, MsgRecordingDone:
		return true
	}
	return false
}
