package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commission-vm/model"
)

// Client calls the OTP exchange of a running worker.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target (host:port). The worker listens without TLS on a private network.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SubmitOtp(ctx context.Context, jobID, siteID, code string) error {
	in, err := structpb.NewStruct(map[string]any{"job_id": jobID, "site_id": siteID, "otp": code})
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	return c.conn.Invoke(ctx, "/"+OTPServiceName+"/SubmitOtp", in, out)
}

func (c *Client) PendingOtp(ctx context.Context) ([]model.OtpRequest, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+OTPServiceName+"/PendingOtp", &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	var reqs []model.OtpRequest
	for _, v := range out.GetFields()["requests"].GetListValue().GetValues() {
		reqs = append(reqs, requestFromStruct(v.GetStructValue()))
	}
	return reqs, nil
}
