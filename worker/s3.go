package worker

import (
	"reviewml.com/sentiment/s3client"
)

type s3Transactions interface {
	getTransformer(task *Task) ([]byte, error)
	close()
}

type s3ClientWrapper struct {
	s3Client *s3client.Client
}

func (wrapper *s3ClientWrapper) close() {
	wrapper.s3Client.Close()
}

func (wrapper *s3ClientWrapper) getTransformer(task *Task) ([]byte, error) {
	return wrapper.s3Client.Download(task.run.TransformerKey)
}
