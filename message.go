package main

const (
	MsgNoObjects = "No objects detected in the image."

	MsgSingleObject = "Detected 1 object."

	MsgMultipleObjects = "Detected %d objects."
)
