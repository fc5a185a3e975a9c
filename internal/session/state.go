package session

import (
	"time"

	"discosync/pkg/types"
)

// Each mutator stamps the state with now and returns the whole new state.

func (s *Session) applyPlay(position float64, now time.Time) types.PlaybackState {
	s.state.Playing = true
	s.state.Position = position
	s.state.Timestamp = now
	return s.state
}

func (s *Session) applyPause(position float64, now time.Time) types.PlaybackState {
	s.state.Playing = false
	s.state.Position = position
	s.state.Timestamp = now
	return s.state
}

func (s *Session) applySeek(position float64, now time.Time) types.PlaybackState {
	s.state.Position = position
	s.state.Timestamp = now
	return s.state
}

func (s *Session) applyTrackChange(trackIndex int, now time.Time) types.PlaybackState {
	s.state.TrackIndex = trackIndex
	s.state.Position = 0
	s.state.Timestamp = now
	return s.state
}

// applySessionStart puts a course live and rewinds playback to the first track.
func (s *Session) applySessionStart(courseID, courseName, courseImage *string, now time.Time) types.PlaybackState {
	s.state.CourseID = courseID
	s.state.CourseName = courseName
	s.state.CourseImage = courseImage
	s.state.Playing = false
	s.state.TrackIndex = 0
	s.state.Position = 0
	s.state.Timestamp = now
	return s.state
}

// applySessionEnd stops playback but keeps the course so late observers can see what ended.
func (s *Session) applySessionEnd(now time.Time) types.PlaybackState {
	s.state.Playing = false
	s.state.Timestamp = now
	return s.state
}

func (s *Session) apply(cmd types.Command, now time.Time) types.PlaybackState {
	switch cmd.Type {
	case types.MessageTypePlay:
		return s.applyPlay(cmd.Position, now)
	case types.MessageTypePause:
		return s.applyPause(cmd.Position, now)
	case types.MessageTypeSeek:
		return s.applySeek(cmd.Position, now)
	case types.MessageTypeTrackChange:
		return s.applyTrackChange(cmd.TrackIndex, now)
	case types.MessageTypeSessionStart:
		return s.applySessionStart(cmd.CourseID, cmd.CourseName, cmd.CourseImage, now)
	case types.MessageTypeSessionEnd:
		return s.applySessionEnd(now)
	default:
		return s.state
	}
}
