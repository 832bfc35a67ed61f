package main

const (
	MsgNoFace = "We couldn't find a face in this image. Try a photo where the face is clearly visible and well lit."

	MsgFacesFound = "Found %d face(s)."

	MsgModelUnavailable = "The prediction model could not be loaded. Please try again in a moment."

	MsgCameraFailed = "The camera stream stopped: %s. Check that the browser is allowed to use the camera and reload the page."

	MsgBadFrame = "A camera frame could not be decoded and was skipped."

	MsgShuttingDown = "The server is shutting down. Reload the page in a moment."
)
