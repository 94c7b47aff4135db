package transport

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "kmux/api/proto/v1"
)

// Dial connects to a kmux control-plane server started by StartServer.
func Dial(port int) (pb.ControlClient, error) {
	cc, err := grpc.NewClient(fmt.Sprintf("localhost:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return pb.NewControlClient(cc), nil
}
